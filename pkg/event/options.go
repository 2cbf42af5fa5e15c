package event

import (
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/logbus/pkg/metrics"
)

const DefaultQueueSize = 256

// FailurePolicy decides what happens to a listener that keeps failing.
type FailurePolicy struct {
	// MaxConsecutiveFailures evicts a listener after this many failed
	// deliveries in a row. Zero keeps the listener forever.
	MaxConsecutiveFailures int
}

func (p FailurePolicy) shouldEvict(consecutive int) bool {
	return p.MaxConsecutiveFailures > 0 && consecutive >= p.MaxConsecutiveFailures
}

type Option func(b *Bus)

func WithLogger(logger hclog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(p metrics.Provider) Option {
	return func(b *Bus) {
		if p != nil {
			b.metrics = p
		}
	}
}

// WithAsyncDelivery gives each listener its own goroutine fed by a FIFO
// queue of queueSize events. A full queue blocks publishers.
func WithAsyncDelivery(queueSize int) Option {
	return func(b *Bus) {
		b.async = true
		if queueSize > 0 {
			b.queueSize = queueSize
		}
	}
}

func WithFailurePolicy(p FailurePolicy) Option {
	return func(b *Bus) {
		b.policy = p
	}
}

// WithDiagnostics replaces the default sink for delivery errors, which
// logs them. The sink may be called from several goroutines at once in
// async mode.
func WithDiagnostics(sink func(*DeliveryError)) Option {
	return func(b *Bus) {
		if sink != nil {
			b.diag = sink
		}
	}
}
