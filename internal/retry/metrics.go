package retry

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "retry"
)

// Outcome labels for OutcomesTotal.
const (
	outcomeSuccess   = "success"
	outcomeExhausted = "exhausted"
	outcomeAborted   = "aborted"
)

// RetryMetrics holds the retry controller Prometheus metrics.
type RetryMetrics struct {
	AttemptsTotal  *prometheus.CounterVec
	OutcomesTotal  *prometheus.CounterVec
	BackoffSeconds *prometheus.HistogramVec
}

var (
	retryMetricsInstance *RetryMetrics
	retryMetricsOnce     sync.Once
)

// NewRetryMetrics creates the metrics registered via promauto on the
// default registry.
func NewRetryMetrics() *RetryMetrics {
	return &RetryMetrics{
		AttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "attempts_total",
				Help: "Total forward attempts by service and " +
					"attempt number",
			},
			[]string{"service", "attempt"},
		),
		OutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "outcomes_total",
				Help: "Total dispatched requests by final outcome " +
					"and the number of attempts used",
			},
			[]string{"service", "outcome", "attempts"},
		),
		BackoffSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "backoff_seconds",
				Help:      "Backoff waits between attempts",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"service"},
		),
	}
}

// GetRetryMetrics returns the singleton retry metrics instance.
func GetRetryMetrics() *RetryMetrics {
	retryMetricsOnce.Do(func() {
		retryMetricsInstance = NewRetryMetrics()
	})
	return retryMetricsInstance
}

// RecordAttempt records the start of one forward attempt.
func (m *RetryMetrics) RecordAttempt(service string, attempt int) {
	m.AttemptsTotal.WithLabelValues(service, strconv.Itoa(attempt)).Inc()
}

// RecordOutcome records the final outcome of a dispatched request and
// how many attempts it used.
func (m *RetryMetrics) RecordOutcome(service, outcome string, attempts int) {
	m.OutcomesTotal.WithLabelValues(service, outcome, strconv.Itoa(attempts)).Inc()
}

// RecordBackoff records one backoff wait.
func (m *RetryMetrics) RecordBackoff(service string, wait time.Duration) {
	m.BackoffSeconds.WithLabelValues(service).Observe(wait.Seconds())
}

// MustRegister registers the collectors with an additional registry.
// AlreadyRegisteredError is ignored so reloads can re-register safely.
func (m *RetryMetrics) MustRegister(registry *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.AttemptsTotal,
		m.OutcomesTotal,
		m.BackoffSeconds,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
