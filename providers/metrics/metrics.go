// Package metrics exports lease metrics to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/alecthomas/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecthomas/landlord/providers/leases"
)

// Config for metrics export.
type Config struct {
	Path string `help:"Path Prometheus metrics are served on (empty disables)." default:"/metrics"`
}

// Metrics is a [leases.Observer] that counts lease lifecycle events.
type Metrics struct {
	events  *prometheus.CounterVec
	granted *prometheus.HistogramVec
}

var _ leases.Observer = (*Metrics)(nil)

// New creates lease metrics and registers them with registerer.
//
// registry, if non-nil, is used to report the number of live leases.
func New(registerer prometheus.Registerer, registry *leases.Registry) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "landlord",
			Name:      "lease_events_total",
			Help:      "Lease lifecycle events by kind.",
		}, []string{"kind"}),
		granted: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "landlord",
			Name:      "lease_granted_seconds",
			Help:      "Lease durations granted on registration and renewal.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"kind"}),
	}
	collectors := []prometheus.Collector{m.events, m.granted}
	if registry != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "landlord",
			Name:      "leases_live",
			Help:      "Resources currently held by the lessor, including expired resources not yet reaped.",
		}, func() float64 { return float64(registry.Len()) }))
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, errors.Errorf("failed to register lease metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) LeaseEvent(ctx context.Context, event leases.Event) {
	kind := string(event.Kind)
	m.events.WithLabelValues(kind).Inc()
	switch event.Kind {
	case leases.EventRegistered, leases.EventRenewed:
		m.granted.WithLabelValues(kind).Observe(event.Granted.Seconds())
	default:
	}
}

// Deferred is a [leases.Observer] that forwards events to a [Metrics] attached later.
//
// [Metrics] needs the lessor's registry, which only exists once the lessor has started. Events observed
// before [Deferred.Attach] are not counted.
type Deferred struct {
	target atomic.Pointer[Metrics]
}

var _ leases.Observer = (*Deferred)(nil)

// Attach starts forwarding events to m.
func (d *Deferred) Attach(m *Metrics) { d.target.Store(m) }

func (d *Deferred) LeaseEvent(ctx context.Context, event leases.Event) {
	if m := d.target.Load(); m != nil {
		m.LeaseEvent(ctx, event)
	}
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
