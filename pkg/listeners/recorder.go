package listeners

import (
	"sync"

	"github.com/lab47/logbus/pkg/event"
)

// Recorder keeps every event it receives in memory.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) OnEvent(ev event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Texts returns the text of every recorded Message.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, ev := range r.events {
		if m, ok := ev.(*event.Message); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
