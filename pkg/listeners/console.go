package listeners

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/lab47/logbus/pkg/event"
)

// Renderer writes human readable output for messages and progress.
type Renderer struct {
	mu sync.Mutex
	w  io.Writer

	// Categories prefixes messages with their category.
	Categories bool
}

func NewRenderer(w io.Writer) *Renderer {
	if w == nil {
		w = os.Stdout
	}

	return &Renderer{w: w}
}

// Attach registers the renderer on b and returns a context that fires
// into b.
func (r *Renderer) Attach(ctx context.Context, b *event.Bus, min event.Severity) (context.Context, *event.Handle, error) {
	h := event.NewNamedHandle("console", r)

	err := b.Publish(event.AddListenerEvent(h, min))
	if err != nil {
		return ctx, nil, err
	}

	return event.WithBus(ctx, b), h, nil
}

func (r *Renderer) OnEvent(ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error

	switch ev := ev.(type) {
	case *event.Message:
		err = r.message(ev)
	case *event.Progress:
		err = r.progress(ev)
	}

	return err
}

func (r *Renderer) message(m *event.Message) error {
	text := m.Text
	if r.Categories && m.Category != "" {
		text = fmt.Sprintf("[%s] %s", m.Category, text)
	}

	var err error

	switch m.Severity {
	case event.Debug, event.Warn, event.Error:
		_, err = fmt.Fprintf(r.w, "%s %s\n", m.Severity, text)
	default:
		_, err = fmt.Fprintf(r.w, "%s\n", text)
	}

	if err != nil {
		return err
	}

	if m.Err != nil && m.Err.Error() != m.Text {
		_, err = fmt.Fprintf(r.w, "  caused by: %s\n", m.Err)
	}

	return err
}

func (r *Renderer) progress(p *event.Progress) error {
	desc := p.Description
	if desc == "" {
		desc = p.OperationID
	}

	var err error

	switch p.Phase {
	case event.PhaseStart:
		_, err = fmt.Fprintf(r.w, "> %s\n", desc)
	case event.PhaseUpdate:
		if p.Status != "" {
			_, err = fmt.Fprintf(r.w, "> %s: %s\n", desc, p.Status)
		}
	case event.PhaseComplete:
		status := p.Status
		if status == "" {
			status = "done"
		}
		_, err = fmt.Fprintf(r.w, "> %s %s\n", desc, status)
	}

	return err
}
