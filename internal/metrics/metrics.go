// Package metrics exposes service counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry and the collectors registered in it.
type Metrics struct {
	registry *prometheus.Registry

	resolutions  *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec

	reconcileRuns     *prometheus.CounterVec
	reconcileScanned  prometheus.Gauge
	reconcileMerged   prometheus.Counter
	reconcileFailed   prometheus.Counter
	reconcileDuration prometheus.Histogram

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// New registers all collectors under namespace in a fresh registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "links",
			Name:      "resolutions_total",
			Help:      "Link resolutions by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "links",
			Name:      "metadata_cache_lookups_total",
			Help:      "Metadata cache lookups by result.",
		}, []string{"result"}),

		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by status.",
		}, []string{"status"}),
		reconcileScanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "last_scanned_keys",
			Help:      "Counter keys found by the latest reconciliation run.",
		}),
		reconcileMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "merged_total",
			Help:      "Persisted click counts raised by reconciliation.",
		}),
		reconcileFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "key_failures_total",
			Help:      "Counter keys that could not be reconciled.",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of reconciliation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.resolutions,
		m.cacheLookups,
		m.reconcileRuns,
		m.reconcileScanned,
		m.reconcileMerged,
		m.reconcileFailed,
		m.reconcileDuration,
		m.requests,
		m.requestLatency,
	)
	return m
}

// ObserveResolution counts one resolution with the given outcome.
func (m *Metrics) ObserveResolution(outcome string) {
	m.resolutions.WithLabelValues(outcome).Inc()
}

// ObserveCacheLookup counts one metadata cache lookup.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveReconcile records one reconciliation run.
func (m *Metrics) ObserveReconcile(scanned, merged, failed int, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
	m.reconcileScanned.Set(float64(scanned))
	m.reconcileMerged.Add(float64(merged))
	m.reconcileFailed.Add(float64(failed))
	m.reconcileDuration.Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument counts and times every request passing through next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(m.requestLatency,
		promhttp.InstrumentHandlerCounter(m.requests, next))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
