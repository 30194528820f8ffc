// Package metrics exposes Prometheus collectors for discovery traffic and
// property reloads.
//
// Metrics:
//   - kapeta_discovery_requests_total: discovery calls by method, endpoint, outcome
//   - kapeta_discovery_request_duration_seconds: discovery call latency
//   - kapeta_property_reloads_total: property source reloads by outcome
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kapeta"

// Local daemon round trips: 1ms - 5s.
var requestBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Metrics owns a private registry so several blocks in one process (or
// tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reloadsTotal    *prometheus.CounterVec
}

// New creates and registers all collectors. When registry is nil a fresh
// one is used, with the Go and process collectors attached.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "requests_total",
				Help:      "Total number of discovery requests sent to the local cluster service",
			},
			[]string{"method", "endpoint", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "request_duration_seconds",
				Help:      "Duration of discovery requests in seconds",
				Buckets:   requestBuckets,
			},
			[]string{"method", "endpoint"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "property",
				Name:      "reloads_total",
				Help:      "Total number of property source reloads",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(m.requestsTotal, m.requestDuration, m.reloadsTotal)
	return m
}

// ObserveRequest records one discovery call.
func (m *Metrics) ObserveRequest(method, endpoint, outcome string, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(method, endpoint, outcome).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// ObserveReload records one property reload.
func (m *Metrics) ObserveReload(outcome string) {
	m.reloadsTotal.WithLabelValues(outcome).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
