package metrics

// Names of the series a Bus reports.
const (
	EventsPublished   = "events_published_total"
	Deliveries        = "deliveries_total"
	DeliveryFailures  = "delivery_failures_total"
	ListenersEvicted  = "listeners_evicted_total"
	ListenersActive   = "listeners_active"
	QueueDepth        = "queue_depth"
	DeliveryLatencyMs = "delivery_latency_ms"
)

// Provider receives bus measurements. Implementations must be safe for
// concurrent use.
type Provider interface {
	SetGauge(name string, value float64)
	IncCounter(name string, delta float64)
	Observe(name string, value float64)
}

type Noop struct{}

func (Noop) SetGauge(string, float64)   {}
func (Noop) IncCounter(string, float64) {}
func (Noop) Observe(string, float64)    {}
