package event

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateListener = errors.New("listener already registered")
	ErrUnknownListener   = errors.New("listener not registered")
	ErrRemovedListener   = errors.New("listener was removed")
	ErrNilListener       = errors.New("nil listener")
	ErrBusClosed         = errors.New("bus closed")
	ErrListenerDelivery  = errors.New("listener delivery failed")
)

// DeliveryError records a listener failing to handle an event. Panics are
// converted into a DeliveryError with Panicked set.
type DeliveryError struct {
	Handle   *Handle
	Event    Event
	Cause    error
	Panicked bool

	// Consecutive is how many deliveries in a row have failed for this
	// listener, including this one.
	Consecutive int
}

func (e *DeliveryError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("%s: listener %s panicked on %s event: %s", ErrListenerDelivery, e.Handle, e.Event.Kind(), e.Cause)
	}

	return fmt.Sprintf("%s: listener %s on %s event: %s", ErrListenerDelivery, e.Handle, e.Event.Kind(), e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrListenerDelivery) match any DeliveryError.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrListenerDelivery
}

func recoveredError(r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "panic")
	}

	return errors.Errorf("panic: %v", r)
}
