// Package metrics exposes the service's prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the registry and the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	ProviderRequests *prometheus.CounterVec
	CircuitTrips     *prometheus.CounterVec
	LoopIterations   *prometheus.CounterVec
	LoopDuration     *prometheus.HistogramVec
	CacheOps         *prometheus.CounterVec
	QuotesWritten    prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggregator",
			Name:      "provider_requests_total",
			Help:      "Provider fetches by provider and outcome.",
		}, []string{"provider", "outcome"}),
		CircuitTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggregator",
			Name:      "circuit_trips_total",
			Help:      "Circuit breaker trips by provider.",
		}, []string{"provider"}),
		LoopIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggregator",
			Name:      "loop_iterations_total",
			Help:      "Completed orchestrator loop iterations by loop and outcome.",
		}, []string{"loop", "outcome"}),
		LoopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aggregator",
			Name:      "loop_duration_seconds",
			Help:      "Orchestrator loop iteration durations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"loop"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggregator",
			Name:      "cache_operations_total",
			Help:      "Cache façade operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		QuotesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aggregator",
			Name:      "quotes_written_total",
			Help:      "Quotes committed to the cache.",
		}),
	}

	registry.MustRegister(
		m.ProviderRequests,
		m.CircuitTrips,
		m.LoopIterations,
		m.LoopDuration,
		m.CacheOps,
		m.QuotesWritten,
	)
	return m
}

// ObserveLoop records one loop iteration.
func (m *Metrics) ObserveLoop(loop string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LoopIterations.WithLabelValues(loop, outcome).Inc()
	m.LoopDuration.WithLabelValues(loop).Observe(time.Since(started).Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
