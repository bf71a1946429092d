// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	EventsIngested    *prometheus.CounterVec
	LocationsIngested prometheus.Counter
	Rejected          *prometheus.CounterVec
	AlertsRaised      *prometheus.CounterVec
	Evaluations       *prometheus.CounterVec
	Observers         prometheus.Gauge
	ObserversDropped  prometheus.Counter
	DeltasDropped     prometheus.Counter
	SweepDuration     prometheus.Histogram
}

// New registers every collector on a private registry so that independent
// instances can coexist in tests.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftwatch",
			Name:      "events_ingested_total",
			Help:      "Attendance events accepted, by type.",
		}, []string{"type"}),
		LocationsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shiftwatch",
			Name:      "locations_ingested_total",
			Help:      "Location samples accepted.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftwatch",
			Name:      "submissions_rejected_total",
			Help:      "Rejected submissions, by kind and error code.",
		}, []string{"kind", "code"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftwatch",
			Name:      "alerts_raised_total",
			Help:      "Alerts raised, by type and severity.",
		}, []string{"type", "severity"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shiftwatch",
			Name:      "evaluations_total",
			Help:      "Employee evaluations, by outcome.",
		}, []string{"outcome"}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shiftwatch",
			Name:      "observers_connected",
			Help:      "Currently connected observers.",
		}),
		ObserversDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shiftwatch",
			Name:      "observers_dropped_total",
			Help:      "Observers disconnected for exceeding their send queue.",
		}),
		DeltasDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shiftwatch",
			Name:      "deltas_dropped_total",
			Help:      "Deltas dropped because a company broadcast channel was full.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shiftwatch",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of periodic reconciliation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.EventsIngested,
		m.LocationsIngested,
		m.Rejected,
		m.AlertsRaised,
		m.Evaluations,
		m.Observers,
		m.ObserversDropped,
		m.DeltasDropped,
		m.SweepDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
