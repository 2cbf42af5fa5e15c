package listeners

import (
	"sort"
	"sync"
	"time"

	"github.com/lab47/logbus/pkg/event"
)

type Operation struct {
	ID          string
	ParentID    string
	Description string
	Status      string
	Started     time.Time
	Finished    time.Time
}

func (o *Operation) Duration() time.Duration {
	if o.Finished.IsZero() {
		return 0
	}

	return o.Finished.Sub(o.Started)
}

// ProgressTracker keeps the state of operations reported through Progress
// events.
type ProgressTracker struct {
	mu        sync.Mutex
	running   map[string]*Operation
	completed []*Operation
	orphans   int
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		running: make(map[string]*Operation),
	}
}

func (t *ProgressTracker) OnEvent(ev event.Event) error {
	p, ok := ev.(*event.Progress)
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch p.Phase {
	case event.PhaseStart:
		t.running[p.OperationID] = &Operation{
			ID:          p.OperationID,
			ParentID:    p.ParentID,
			Description: p.Description,
			Status:      p.Status,
			Started:     p.Timestamp,
		}
	case event.PhaseUpdate:
		op, ok := t.running[p.OperationID]
		if !ok {
			t.orphans++
			return nil
		}

		op.Status = p.Status
	case event.PhaseComplete:
		op, ok := t.running[p.OperationID]
		if !ok {
			t.orphans++
			return nil
		}

		delete(t.running, p.OperationID)

		if p.Status != "" {
			op.Status = p.Status
		}
		op.Finished = p.Timestamp

		t.completed = append(t.completed, op)
	}

	return nil
}

// Running returns the operations in progress, ordered by start time.
func (t *ProgressTracker) Running() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ops []Operation
	for _, op := range t.running {
		ops = append(ops, *op)
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Started.Equal(ops[j].Started) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].Started.Before(ops[j].Started)
	})

	return ops
}

// Completed returns finished operations in completion order.
func (t *ProgressTracker) Completed() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]Operation, len(t.completed))
	for i, op := range t.completed {
		ops[i] = *op
	}

	return ops
}

// Orphans counts update and complete events for operations never started.
func (t *ProgressTracker) Orphans() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.orphans
}
