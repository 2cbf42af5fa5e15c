package event

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	stateUnregistered int32 = iota
	stateActive
	stateRemoved
)

// Entry is a listener registration as seen by one snapshot.
type Entry struct {
	Handle      *Handle
	MinSeverity Severity
	Active      bool

	// Seq is the registration order within the registry.
	Seq uint64
}

// Admits reports whether ev should be delivered to this entry.
func (e Entry) Admits(ev Event) bool {
	return e.Active && ev.LogLevel().Admits(e.MinSeverity)
}

// Registry maps listener handles to their registration. It is safe for
// concurrent use; Snapshot never observes a half applied Add or Remove.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[*Handle]int
	seq     uint64
}

func NewRegistry() *Registry {
	return &Registry{
		index: make(map[*Handle]int),
	}
}

// Add registers h. A handle may only be registered once over its lifetime.
func (r *Registry) Add(h *Handle, min Severity) error {
	if h == nil || h.listener == nil {
		return ErrNilListener
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[h]; ok {
		return errors.Wrapf(ErrDuplicateListener, "listener %s", h)
	}

	if !atomic.CompareAndSwapInt32(&h.state, stateUnregistered, stateActive) {
		if atomic.LoadInt32(&h.state) == stateRemoved {
			return errors.Wrapf(ErrRemovedListener, "listener %s", h)
		}

		return errors.Wrapf(ErrDuplicateListener, "listener %s is registered elsewhere", h)
	}

	r.seq++

	r.index[h] = len(r.entries)
	r.entries = append(r.entries, Entry{
		Handle:      h,
		MinSeverity: min,
		Active:      true,
		Seq:         r.seq,
	})

	return nil
}

// Remove deregisters h. Removing a handle twice reports ErrUnknownListener.
func (r *Registry) Remove(h *Handle) error {
	if h == nil {
		return ErrNilListener
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[h]
	if !ok {
		return errors.Wrapf(ErrUnknownListener, "listener %s", h)
	}

	r.entries[idx].Active = false
	atomic.StoreInt32(&h.state, stateRemoved)

	r.entries = append(r.entries[:idx:idx], r.entries[idx+1:]...)
	delete(r.index, h)

	for i := idx; i < len(r.entries); i++ {
		r.index[r.entries[i].Handle] = i
	}

	return nil
}

// Snapshot returns a copy of the registrations in registration order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil
	}

	snap := make([]Entry, len(r.entries))
	copy(snap, r.entries)

	return snap
}

func (r *Registry) Contains(h *Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.index[h]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Clear removes every registration and returns what was removed, oldest
// first.
func (r *Registry) Clear() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.entries
	for i := range removed {
		removed[i].Active = false
		atomic.StoreInt32(&removed[i].Handle.state, stateRemoved)
	}

	r.entries = nil
	r.index = make(map[*Handle]int)

	return removed
}
