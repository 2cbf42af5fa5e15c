package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/logbus/pkg/metrics"
	"github.com/pkg/errors"
)

var ErrNilEvent = errors.New("nil event")

// Bus fans events out to a changing set of listeners.
//
// Every Publish goes through one mutex, which is also the only guard on
// listener membership. That gives all events a single total order and every
// listener sees the events it is eligible for in that order. In the default
// synchronous mode listeners run under the mutex, so a slow listener holds
// up every producer. With WithAsyncDelivery each listener drains its own
// FIFO queue and only the enqueue happens under the mutex.
//
// Listeners must not publish to the bus from OnEvent in synchronous mode.
type Bus struct {
	mu       sync.Mutex
	registry *Registry
	workers  map[*Handle]*worker
	stopping []*worker
	failures map[*Handle]int
	closed   bool

	logger    hclog.Logger
	metrics   metrics.Provider
	policy    FailurePolicy
	diag      func(*DeliveryError)
	async     bool
	queueSize int

	published uint64
	delivered uint64
	failed    uint64
	evicted   uint64

	// queueMu orders queue depth updates so the gauge ends on the latest
	// value.
	queueMu sync.Mutex
	queued  int64
}

func New(opts ...Option) *Bus {
	b := &Bus{
		registry:  NewRegistry(),
		workers:   make(map[*Handle]*worker),
		failures:  make(map[*Handle]int),
		logger:    hclog.NewNullLogger(),
		metrics:   metrics.Noop{},
		queueSize: DefaultQueueSize,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.diag == nil {
		b.diag = b.logDeliveryError
	}

	return b
}

// Publish submits ev. Control events change membership and their errors
// are returned; output events are delivered and listener failures are
// never returned here.
func (b *Bus) Publish(ev Event) error {
	if isNil(ev) {
		return ErrNilEvent
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	var err error

	switch ev := ev.(type) {
	case *AddListener:
		err = b.addLocked(ev.Handle, ev.MinSeverity)
	case *RemoveListener:
		err = b.removeLocked(ev.Handle)
	case *Message, *Progress:
		b.fanOutLocked(ev)
	default:
		return errors.Errorf("unsupported event %T", ev)
	}

	if err != nil {
		return err
	}

	atomic.AddUint64(&b.published, 1)
	b.metrics.IncCounter(metrics.EventsPublished, 1)

	return nil
}

func isNil(ev Event) bool {
	switch ev := ev.(type) {
	case nil:
		return true
	case *AddListener:
		return ev == nil
	case *RemoveListener:
		return ev == nil
	case *Message:
		return ev == nil
	case *Progress:
		return ev == nil
	default:
		return false
	}
}

// AddListener registers l and returns its new handle.
func (b *Bus) AddListener(l Listener, min Severity) (*Handle, error) {
	h := NewHandle(l)

	err := b.Publish(AddListenerEvent(h, min))
	if err != nil {
		return nil, err
	}

	return h, nil
}

func (b *Bus) RemoveListener(h *Handle) error {
	return b.Publish(RemoveListenerEvent(h))
}

// Listeners returns the current registrations in delivery order.
func (b *Bus) Listeners() []Entry {
	return b.registry.Snapshot()
}

func (b *Bus) addLocked(h *Handle, min Severity) error {
	err := b.registry.Add(h, min)
	if err != nil {
		return err
	}

	if b.async {
		w := newWorker(b, h, b.queueSize)
		b.workers[h] = w
		go w.run()
	}

	b.logger.Debug("listener added", "listener", h.String(), "min-severity", min.String())
	b.metrics.SetGauge(metrics.ListenersActive, float64(b.registry.Len()))

	return nil
}

func (b *Bus) removeLocked(h *Handle) error {
	err := b.registry.Remove(h)
	if err != nil {
		return err
	}

	if w, ok := b.workers[h]; ok {
		w.stop()
		delete(b.workers, h)

		b.drainingLocked()
		b.stopping = append(b.stopping, w)
	}

	delete(b.failures, h)

	b.logger.Debug("listener removed", "listener", h.String())
	b.metrics.SetGauge(metrics.ListenersActive, float64(b.registry.Len()))

	return nil
}

func (b *Bus) fanOutLocked(ev Event) {
	for _, e := range b.registry.Snapshot() {
		if !e.Admits(ev) {
			continue
		}

		if b.async {
			b.workers[e.Handle].enqueue(ev)
			continue
		}

		derr := b.deliver(e.Handle, ev)
		if derr == nil {
			delete(b.failures, e.Handle)
			continue
		}

		b.failures[e.Handle]++
		derr.Consecutive = b.failures[e.Handle]

		b.report(derr)

		if b.policy.shouldEvict(derr.Consecutive) {
			b.evictLocked(e.Handle, derr.Consecutive)
		}
	}
}

// deliver runs the listener, turning errors and panics into a
// DeliveryError.
func (b *Bus) deliver(h *Handle, ev Event) (derr *DeliveryError) {
	start := time.Now()

	defer func() {
		b.metrics.Observe(metrics.DeliveryLatencyMs, float64(time.Since(start))/float64(time.Millisecond))

		if r := recover(); r != nil {
			derr = &DeliveryError{
				Handle:   h,
				Event:    ev,
				Cause:    recoveredError(r),
				Panicked: true,
			}
		}

		if derr == nil {
			atomic.AddUint64(&b.delivered, 1)
			b.metrics.IncCounter(metrics.Deliveries, 1)
		}
	}()

	err := h.listener.OnEvent(ev)
	if err != nil {
		return &DeliveryError{Handle: h, Event: ev, Cause: err}
	}

	return nil
}

func (b *Bus) report(derr *DeliveryError) {
	atomic.AddUint64(&b.failed, 1)
	b.metrics.IncCounter(metrics.DeliveryFailures, 1)

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("diagnostic sink panicked", "panic", r)
		}
	}()

	b.diag(derr)
}

func (b *Bus) logDeliveryError(derr *DeliveryError) {
	b.logger.Error("listener delivery failed",
		"listener", derr.Handle.String(),
		"event", derr.Event.Kind().String(),
		"consecutive", derr.Consecutive,
		"panic", derr.Panicked,
		"error", derr.Cause,
	)
}

func (b *Bus) evictLocked(h *Handle, consecutive int) {
	if !b.registry.Contains(h) {
		return
	}

	err := b.removeLocked(h)
	if err != nil {
		b.logger.Error("unable to evict listener", "listener", h.String(), "error", err)
		return
	}

	atomic.AddUint64(&b.evicted, 1)
	b.metrics.IncCounter(metrics.ListenersEvicted, 1)

	b.logger.Warn("evicted failing listener", "listener", h.String(), "consecutive-failures", consecutive)
}

func (b *Bus) evict(h *Handle, consecutive int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.evictLocked(h, consecutive)
}

// Flush waits until every event published before the call has been
// handled by its listeners. It returns immediately in synchronous mode.
// When ctx ends first, including while a full queue has no room for the
// flush mark, Flush returns ctx.Err() and releases the bus.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}

	var marks []chan struct{}

	for _, e := range b.registry.Snapshot() {
		if w, ok := b.workers[e.Handle]; ok {
			m, err := w.mark(ctx)
			if err != nil {
				b.mu.Unlock()
				return err
			}

			marks = append(marks, m)
		}
	}

	marks = append(marks, b.drainingLocked()...)

	b.mu.Unlock()

	for _, m := range marks {
		select {
		case <-m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Close removes every listener and waits for queued events to drain.
// Publish fails with ErrBusClosed afterwards.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true

	done := b.drainingLocked()

	for _, e := range b.registry.Clear() {
		if w, ok := b.workers[e.Handle]; ok {
			w.stop()
			done = append(done, w.done)
		}
	}

	b.workers = make(map[*Handle]*worker)
	b.failures = make(map[*Handle]int)
	b.metrics.SetGauge(metrics.ListenersActive, 0)

	b.mu.Unlock()

	for _, d := range done {
		select {
		case <-d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (b *Bus) adjustQueued(delta int64) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	depth := atomic.AddInt64(&b.queued, delta)
	b.metrics.SetGauge(metrics.QueueDepth, float64(depth))
}

// drainingLocked returns the done channels of removed listeners whose
// queues have not emptied yet, forgetting the ones that have.
func (b *Bus) drainingLocked() []chan struct{} {
	var (
		done []chan struct{}
		keep []*worker
	)

	for _, w := range b.stopping {
		if w.finished() {
			continue
		}

		keep = append(keep, w)
		done = append(done, w.done)
	}

	b.stopping = keep

	return done
}

type Stats struct {
	Published uint64
	Delivered uint64
	Failures  uint64
	Evicted   uint64
	Listeners int
	Queued    int64
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
		Failures:  atomic.LoadUint64(&b.failed),
		Evicted:   atomic.LoadUint64(&b.evicted),
		Listeners: b.registry.Len(),
		Queued:    atomic.LoadInt64(&b.queued),
	}
}
