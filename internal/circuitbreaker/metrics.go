package circuitbreaker

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "breaker"
)

// Decision label values.
const (
	decisionAllowed  = "allowed"
	decisionRejected = "rejected"
)

// BreakerMetrics holds the circuit breaker Prometheus metrics.
type BreakerMetrics struct {
	State            *prometheus.GaugeVec
	DecisionsTotal   *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	TripsTotal       *prometheus.CounterVec
}

var (
	breakerMetricsInstance *BreakerMetrics
	breakerMetricsOnce     sync.Once
)

// NewBreakerMetrics creates the metrics registered via promauto on the
// default registry.
func NewBreakerMetrics() *BreakerMetrics {
	return &BreakerMetrics{
		State: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "state",
				Help: "Current breaker state " +
					"(0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "decisions_total",
				Help: "Total admit and reject decisions " +
					"by breaker",
			},
			[]string{"breaker", "decision"},
		),
		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "transitions_total",
				Help:      "Total breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		TripsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "trips_total",
				Help: "Total transitions into the open " +
					"state",
			},
			[]string{"breaker"},
		),
	}
}

// GetBreakerMetrics returns the singleton breaker metrics instance.
func GetBreakerMetrics() *BreakerMetrics {
	breakerMetricsOnce.Do(func() {
		breakerMetricsInstance = NewBreakerMetrics()
	})
	return breakerMetricsInstance
}

// SetState records the current state of a breaker.
func (m *BreakerMetrics) SetState(name string, s State) {
	m.State.WithLabelValues(name).Set(float64(s))
}

// RecordDecision records one admit or reject decision.
func (m *BreakerMetrics) RecordDecision(name string, allowed bool) {
	decision := decisionAllowed
	if !allowed {
		decision = decisionRejected
	}
	m.DecisionsTotal.WithLabelValues(name, decision).Inc()
}

// RecordTransition records a state change and updates the state gauge.
func (m *BreakerMetrics) RecordTransition(name string, from, to State) {
	m.TransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	if to == StateOpen {
		m.TripsTotal.WithLabelValues(name).Inc()
	}
	m.SetState(name, to)
}

// DeleteBreaker drops the metric series for a pruned breaker.
func (m *BreakerMetrics) DeleteBreaker(name string) {
	m.State.DeleteLabelValues(name)
}

// MustRegister registers the collectors with an additional registry.
// AlreadyRegisteredError is ignored so reloads can re-register safely.
func (m *BreakerMetrics) MustRegister(registry *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.State,
		m.DecisionsTotal,
		m.TransitionsTotal,
		m.TripsTotal,
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
