package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. They are registered on
// the registry passed to NewMetrics, never on the global default.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	Requests     *prometheus.CounterVec
	Attempts     *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	Redirects    *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	ActiveTasks  prometheus.Gauge

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheTrusted   *prometheus.CounterVec

	// Host breaker transitions
	BreakerChanges *prometheus.CounterVec
}

// NewMetrics creates the collectors on reg. A nil reg gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_requests_total",
				Help: "Finished requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_attempts_total",
				Help: "Transport attempts by method and source scheme",
			},
			[]string{"method", "scheme"},
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_retries_total",
				Help: "Attempts granted another try by the retry policy",
			},
			[]string{"method"},
		),
		Redirects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_redirects_total",
				Help: "Redirects followed through a redirect handler",
			},
			[]string{"status"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xfetch_task_duration_seconds",
				Help:    "Time from submission to the terminal state",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		ActiveTasks: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "xfetch_active_tasks",
				Help: "Tasks submitted and not yet finished",
			},
		),

		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_cache_hits_total",
				Help: "Cache lookups that found a live entry",
			},
			[]string{"dir"},
		),
		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_cache_misses_total",
				Help: "Cache lookups that found nothing usable",
			},
			[]string{"dir"},
		),
		CacheEvictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_cache_evictions_total",
				Help: "Entries removed by trims",
			},
			[]string{"dir"},
		),
		CacheTrusted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_cache_offers_total",
				Help: "Cached candidates offered to callers, by verdict",
			},
			[]string{"verdict"},
		),

		BreakerChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xfetch_breaker_transitions_total",
				Help: "Host circuit breaker state changes",
			},
			[]string{"to"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TaskStarted counts a submitted task.
func (m *Metrics) TaskStarted() {
	m.ActiveTasks.Inc()
}

// TaskFinished records a terminal outcome and its latency.
func (m *Metrics) TaskFinished(method, outcome string, duration time.Duration) {
	m.ActiveTasks.Dec()
	m.Requests.WithLabelValues(method, outcome).Inc()
	m.TaskDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordAttempt counts one transport attempt.
func (m *Metrics) RecordAttempt(method, scheme string) {
	m.Attempts.WithLabelValues(method, scheme).Inc()
}

// RecordRetry counts an attempt the retry policy repeated.
func (m *Metrics) RecordRetry(method string) {
	m.Retries.WithLabelValues(method).Inc()
}

// RecordRedirect counts a followed redirect.
func (m *Metrics) RecordRedirect(status string) {
	m.Redirects.WithLabelValues(status).Inc()
}

// RecordCacheOffer counts a cache-trust verdict.
func (m *Metrics) RecordCacheOffer(trusted bool) {
	verdict := "rejected"
	if trusted {
		verdict = "trusted"
	}
	m.CacheTrusted.WithLabelValues(verdict).Inc()
}
