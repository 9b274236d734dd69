// Package metrics exposes collector Prometheus metrics. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collector"

// Metrics holds all collector metrics.
type Metrics struct {
	// Counters
	ExecutionsTotal *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	AssetsTotal     *prometheus.CounterVec
	ScheduledTotal  *prometheus.CounterVec

	// Gauges
	ActiveWorkers prometheus.Gauge

	// Histograms
	ExecutionDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers the collector metrics on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by final status",
		},
		[]string{"status"},
	)

	m.AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Ingestion attempts by outcome",
		},
		[]string{"outcome"}, // "success", "failed"
	)

	m.AssetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_total",
			Help:      "Catalog assets touched by kind and outcome",
		},
		[]string{"kind", "outcome"}, // created, updated, unchanged, tombstoned
	)

	m.ScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_total",
			Help:      "Scheduler decisions for due ingestion specs",
		},
		[]string{"result"}, // "enqueued", "duplicate", "invalid", "failed"
	)

	m.ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently processing a job",
		},
	)

	m.ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of executions from RUNNING to a terminal status",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		},
		[]string{"provider_type"},
	)

	m.registry.MustRegister(
		m.ExecutionsTotal,
		m.AttemptsTotal,
		m.AssetsTotal,
		m.ScheduledTotal,
		m.ActiveWorkers,
		m.ExecutionDuration,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordExecution counts a finished execution and its duration.
func (m *Metrics) RecordExecution(providerType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	if providerType != "" {
		m.ExecutionDuration.WithLabelValues(providerType).Observe(duration.Seconds())
	}
}

// RecordAttempt counts one engine run.
func (m *Metrics) RecordAttempt(success bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordAssets adds n assets of kind with outcome.
func (m *Metrics) RecordAssets(kind, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AssetsTotal.WithLabelValues(kind, outcome).Add(float64(n))
}

// RecordScheduled counts one scheduler decision.
func (m *Metrics) RecordScheduled(result string) {
	if m == nil {
		return
	}
	m.ScheduledTotal.WithLabelValues(result).Inc()
}

// WorkerBusy moves the busy-worker gauge by delta.
func (m *Metrics) WorkerBusy(delta int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(float64(delta))
}
