package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logbus"

type Prom struct {
	reg *prometheus.Registry

	Published       prometheus.Counter
	Delivered       prometheus.Counter
	Failures        prometheus.Counter
	Evicted         prometheus.Counter
	Active          prometheus.Gauge
	Queued          prometheus.Gauge
	DeliveryLatency prometheus.Summary
}

func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	p := &Prom{
		reg:             reg,
		Published:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: EventsPublished, Help: "Events accepted by the bus, control events included"}),
		Delivered:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: Deliveries, Help: "Successful listener deliveries"}),
		Failures:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: DeliveryFailures, Help: "Listener deliveries that returned an error or panicked"}),
		Evicted:         prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: ListenersEvicted, Help: "Listeners removed by the failure policy"}),
		Active:          prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: ListenersActive, Help: "Registered listeners"}),
		Queued:          prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: QueueDepth, Help: "Events waiting in async listener queues"}),
		DeliveryLatency: prometheus.NewSummary(prometheus.SummaryOpts{Namespace: namespace, Name: DeliveryLatencyMs, Help: "Time spent in a single listener delivery in ms"}),
	}
	reg.MustRegister(p.Published, p.Delivered, p.Failures, p.Evicted, p.Active, p.Queued, p.DeliveryLatency)
	return p
}

func (p *Prom) Registry() *prometheus.Registry { return p.reg }

func (p *Prom) Handler() http.Handler { return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{}) }

func (p *Prom) SetGauge(name string, value float64) {
	switch name {
	case ListenersActive:
		p.Active.Set(value)
	case QueueDepth:
		p.Queued.Set(value)
	}
}

func (p *Prom) IncCounter(name string, delta float64) {
	switch name {
	case EventsPublished:
		p.Published.Add(delta)
	case Deliveries:
		p.Delivered.Add(delta)
	case DeliveryFailures:
		p.Failures.Add(delta)
	case ListenersEvicted:
		p.Evicted.Add(delta)
	}
}

func (p *Prom) Observe(name string, value float64) {
	switch name {
	case DeliveryLatencyMs:
		p.DeliveryLatency.Observe(value)
	default:
		// unknown series are ignored
	}
}
