// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shelf"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Reports counts report attempts by event type and outcome
	// (delivered, deferred, failed). Deferred records later evicted from the
	// MQTT buffer are counted again as dropped.
	Reports *prometheus.CounterVec
	// Sessions counts closed sessions by how they ended
	// (issue, return, expired, manual).
	Sessions *prometheus.CounterVec
	// Conflicts counts Unlock commands rejected by an active session.
	Conflicts prometheus.Counter
	// SensorUnavailable counts samples that ran out of the readiness budget.
	SensorUnavailable prometheus.Counter
	// Unlocked is 1 while the latch is commanded open.
	Unlocked prometheus.Gauge
	// Weight is the most recent calibrated reading.
	Weight prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Event reports by type and outcome.",
		}, []string{"type", "outcome"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Closed unlock sessions by reason.",
		}, []string{"reason"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_conflicts_total",
			Help:      "Unlock commands rejected because a session was active.",
		}),
		SensorUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_unavailable_total",
			Help:      "Samples abandoned because the load cell was not ready.",
		}),
		Unlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unlocked",
			Help:      "1 while the latch is commanded open.",
		}),
		Weight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weight",
			Help:      "Most recent calibrated weight reading.",
		}),
	}
	m.registry.MustRegister(m.Reports, m.Sessions, m.Conflicts, m.SensorUnavailable, m.Unlocked, m.Weight)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
