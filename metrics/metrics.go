// Package metrics exposes Prometheus collectors for bridge traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. Outcome labels are "ok", "unavailable" or a
// gate.CodeName value.
type Metrics struct {
	Calls        *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	Pending      prometheus.Gauge
	Events       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jsbridge_calls_total",
				Help: "Total number of remote calls by outcome",
			},
			[]string{"object", "method", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jsbridge_call_duration_seconds",
				Help:    "Time from submission to completion of remote calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"object", "method"},
		),
		Pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jsbridge_calls_pending",
				Help: "Calls submitted and not yet completed",
			},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jsbridge_events_total",
				Help: "Host events delivered to the page by signal",
			},
			[]string{"signal", "delivered"},
		),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.Calls, m.CallDuration, m.Pending, m.Events)
	return m
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
