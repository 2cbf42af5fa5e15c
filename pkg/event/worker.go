package event

import "context"

// item is one slot in a worker queue: either an event or a flush mark.
type item struct {
	ev   Event
	mark chan struct{}
}

// worker delivers one listener's events in the order they were enqueued.
// Enqueueing happens under the bus mutex, so queue order is publish order.
type worker struct {
	bus    *Bus
	handle *Handle
	queue  chan item
	done   chan struct{}

	// owned by the run goroutine
	failures int
	evicting bool // eviction requested, not yet committed
}

func newWorker(b *Bus, h *Handle, size int) *worker {
	return &worker{
		bus:    b,
		handle: h,
		queue:  make(chan item, size),
		done:   make(chan struct{}),
	}
}

func (w *worker) enqueue(ev Event) {
	w.bus.adjustQueued(1)

	w.queue <- item{ev: ev}
}

// mark returns a channel closed once everything enqueued before it has
// been handled. It gives up when ctx ends before the queue has room.
func (w *worker) mark(ctx context.Context) (chan struct{}, error) {
	m := make(chan struct{})

	select {
	case w.queue <- item{mark: m}:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stop lets the worker drain what is queued and exit. Must be called with
// the bus mutex held, exactly once.
func (w *worker) stop() {
	close(w.queue)
}

func (w *worker) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	defer close(w.done)

	for it := range w.queue {
		if it.mark != nil {
			close(it.mark)
			continue
		}

		w.bus.adjustQueued(-1)

		// Delivery goes on while an eviction is pending. Everything queued
		// was published while the listener was registered; stop closes the
		// queue once the removal commits.
		derr := w.bus.deliver(w.handle, it.ev)
		if derr == nil {
			w.failures = 0
			continue
		}

		w.failures++
		derr.Consecutive = w.failures

		w.bus.report(derr)

		if !w.evicting && w.bus.policy.shouldEvict(w.failures) {
			w.evicting = true
			go w.bus.evict(w.handle, w.failures)
		}
	}
}
