package ratelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "ratelimit"
)

// Algorithm label values.
const (
	algorithmFixedWindow   = "fixed_window"
	algorithmSlidingWindow = "sliding_window"
)

const (
	decisionAllowed  = "allowed"
	decisionRejected = "rejected"
)

// RateLimitMetrics instruments admission decisions.
type RateLimitMetrics struct {
	// DecisionsTotal counts admissions by algorithm and outcome.
	DecisionsTotal *prometheus.CounterVec

	// StoreErrorsTotal counts admissions that failed against the
	// counter store.
	StoreErrorsTotal prometheus.Counter
}

// NewRateLimitMetrics creates and registers rate limit metrics on the
// default registry.
func NewRateLimitMetrics() *RateLimitMetrics {
	return &RateLimitMetrics{
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "decisions_total",
				Help:      "Total admission decisions by algorithm and outcome.",
			},
			[]string{"algorithm", "decision"},
		),
		StoreErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "store_errors_total",
				Help:      "Total admissions that failed against the counter store.",
			},
		),
	}
}

var (
	rateLimitMetricsOnce sync.Once
	rateLimitMetrics     *RateLimitMetrics
)

// GetRateLimitMetrics returns the process-wide rate limit metrics.
func GetRateLimitMetrics() *RateLimitMetrics {
	rateLimitMetricsOnce.Do(func() {
		rateLimitMetrics = NewRateLimitMetrics()
	})
	return rateLimitMetrics
}

// RecordDecision counts one admission decision.
func (m *RateLimitMetrics) RecordDecision(algorithm string, allowed bool) {
	if m == nil {
		return
	}
	decision := decisionRejected
	if allowed {
		decision = decisionAllowed
	}
	m.DecisionsTotal.WithLabelValues(algorithm, decision).Inc()
}

// RecordStoreError counts one failed admission.
func (m *RateLimitMetrics) RecordStoreError() {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.Inc()
}

// MustRegister registers the rate limit metrics on reg. Collectors
// already registered are tolerated.
func (m *RateLimitMetrics) MustRegister(reg *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.DecisionsTotal,
		m.StoreErrorsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
