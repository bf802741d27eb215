package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal     *prometheus.CounterVec
	ResultsTotal         *prometheus.CounterVec
	DelegationFailures   *prometheus.CounterVec
	DelegationDuration   *prometheus.HistogramVec
	IgnoredCallbacks     prometheus.Counter
	ActiveSubscriptions  prometheus.Gauge
	NotificationsDropped prometheus.Counter
	ArchiveDropped       prometheus.Counter
	RequestsInFlight     prometheus.Gauge
	CodeSizeBytes        prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeexec",
				Name:      "submissions_total",
				Help:      "Accepted execution submissions by language.",
			},
			[]string{"language"},
		),

		ResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeexec",
				Name:      "results_total",
				Help:      "Terminal results applied by status and delivery mode.",
			},
			[]string{"status", "mode"},
		),

		DelegationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codeexec",
				Name:      "delegation_failures_total",
				Help:      "Failed calls to the compiler API by reason.",
			},
			[]string{"reason"},
		),

		DelegationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codeexec",
				Name:      "delegation_duration_seconds",
				Help:      "Duration of compiler API calls.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),

		IgnoredCallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codeexec",
				Name:      "ignored_results_total",
				Help:      "Results received for unknown or expired executions.",
			},
		),

		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codeexec",
				Subsystem: "live",
				Name:      "active_subscriptions",
				Help:      "Open live update subscriptions.",
			},
		),

		NotificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codeexec",
				Subsystem: "live",
				Name:      "notifications_dropped_total",
				Help:      "Notifications dropped because a subscriber buffer was full.",
			},
		),

		ArchiveDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codeexec",
				Subsystem: "archive",
				Name:      "dropped_total",
				Help:      "Terminal records not archived because the buffer was full.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codeexec",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codeexec",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.ResultsTotal,
		m.DelegationFailures,
		m.DelegationDuration,
		m.IgnoredCallbacks,
		m.ActiveSubscriptions,
		m.NotificationsDropped,
		m.ArchiveDropped,
		m.RequestsInFlight,
		m.CodeSizeBytes,
	)

	return m
}

// RecordSubmission records an accepted submission.
func (m *Metrics) RecordSubmission(language string, codeSize int) {
	m.SubmissionsTotal.WithLabelValues(language).Inc()
	m.CodeSizeBytes.Observe(float64(codeSize))
}

// RecordResult records a terminal status written by the given delivery mode.
func (m *Metrics) RecordResult(status, mode string) {
	m.ResultsTotal.WithLabelValues(status, mode).Inc()
}

func (m *Metrics) RecordDelegation(mode string, durationSec float64) {
	m.DelegationDuration.WithLabelValues(mode).Observe(durationSec)
}

func (m *Metrics) RecordDelegationFailure(reason string) {
	m.DelegationFailures.WithLabelValues(reason).Inc()
}
