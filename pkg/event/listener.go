package event

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/oklog/ulid"
)

// Listener receives events from a Bus. OnEvent must not block the bus
// indefinitely.
type Listener interface {
	OnEvent(ev Event) error
}

type ListenerFunc func(ev Event) error

func (f ListenerFunc) OnEvent(ev Event) error {
	return f(ev)
}

// Handle is the identity of one listener registration. Handles compare by
// pointer, so wrapping the same Listener twice gives two registrations.
type Handle struct {
	id       ulid.ULID
	listener Listener
	name     string

	// Unregistered, Active or Removed; see Registry.
	state int32
}

func NewHandle(l Listener) *Handle {
	return &Handle{
		id:       ulid.MustNew(ulid.Now(), rand.Reader),
		listener: l,
	}
}

// NewNamedHandle is NewHandle with a name used in logs.
func NewNamedHandle(name string, l Listener) *Handle {
	h := NewHandle(l)
	h.name = name
	return h
}

func (h *Handle) ID() ulid.ULID {
	return h.id
}

func (h *Handle) Listener() Listener {
	return h.listener
}

// Removed reports whether the handle reached its terminal state.
func (h *Handle) Removed() bool {
	return atomic.LoadInt32(&h.state) == stateRemoved
}

func (h *Handle) String() string {
	if h == nil {
		return "<nil>"
	}

	if h.name != "" {
		return fmt.Sprintf("%s(%s)", h.name, h.id)
	}

	return h.id.String()
}
