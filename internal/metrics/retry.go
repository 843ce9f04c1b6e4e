package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetryMetrics exports retry-policy outcomes (internal/resilience.WithRetry)
// to Prometheus: how many attempts operations took, how long backoff waits
// ran, and how operations ultimately resolved.
type RetryMetrics struct {
	AttemptsTotal      *prometheus.CounterVec
	DurationSeconds    *prometheus.HistogramVec
	BackoffSeconds     *prometheus.HistogramVec
	FinalAttemptsTotal *prometheus.HistogramVec
}

func newRetryMetrics(namespace, subsystem string, reg prometheus.Registerer) *RetryMetrics {
	factory := promauto.With(reg)

	return &RetryMetrics{
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts, by operation, outcome and error type.",
		}, []string{"operation", "outcome", "error_type"}),
		DurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_attempt_duration_seconds",
			Help:      "Duration of a single retry attempt, by operation and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome", "error_type"}),
		BackoffSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_backoff_seconds",
			Help:      "Backoff delay waited before the next retry attempt, by operation.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"operation"}),
		FinalAttemptsTotal: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_final_attempt_count",
			Help:      "Number of attempts an operation took before reaching a final outcome.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21},
		}, []string{"operation", "outcome"}),
	}
}

// RecordAttempt records the outcome and duration of a single attempt.
func (m *RetryMetrics) RecordAttempt(operation, outcome, errorType string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(operation, outcome, errorType).Inc()
	m.DurationSeconds.WithLabelValues(operation, outcome, errorType).Observe(durationSeconds)
}

// RecordBackoff records a backoff delay waited before the next attempt.
func (m *RetryMetrics) RecordBackoff(operation string, delaySeconds float64) {
	if m == nil {
		return
	}
	m.BackoffSeconds.WithLabelValues(operation).Observe(delaySeconds)
}

// RecordFinalAttempt records how many attempts an operation took before
// reaching outcome (success, failure, or cancelled).
func (m *RetryMetrics) RecordFinalAttempt(operation, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.FinalAttemptsTotal.WithLabelValues(operation, outcome).Observe(float64(attempts))
}
