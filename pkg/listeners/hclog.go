package listeners

import (
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/logbus/pkg/event"
)

// Forwarder sends messages to an hclog.Logger, one sub-logger per category.
type Forwarder struct {
	L hclog.Logger
}

func (f *Forwarder) OnEvent(ev event.Event) error {
	m, ok := ev.(*event.Message)
	if !ok {
		return nil
	}

	L := f.L
	if m.Category != "" {
		L = L.Named(m.Category)
	}

	var args []interface{}
	if m.Err != nil {
		args = append(args, "error", m.Err)
	}

	switch m.Severity.HclogLevel() {
	case hclog.Debug:
		L.Debug(m.Text, args...)
	case hclog.Info:
		L.Info(m.Text, args...)
	case hclog.Warn:
		L.Warn(m.Text, args...)
	case hclog.Error:
		L.Error(m.Text, args...)
	}

	return nil
}
