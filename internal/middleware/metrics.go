package middleware

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "middleware"
)

// MiddlewareMetrics holds the Prometheus metrics for the inbound chain.
type MiddlewareMetrics struct {
	PanicsRecovered     prometheus.Counter
	ClientRejects       prometheus.Counter
	OverloadSheds       prometheus.Counter
	OverloadTransitions *prometheus.CounterVec
}

var (
	middlewareMetricsInstance *MiddlewareMetrics
	middlewareMetricsOnce     sync.Once
)

// NewMiddlewareMetrics creates the metrics registered via promauto on
// the default registry.
func NewMiddlewareMetrics() *MiddlewareMetrics {
	return &MiddlewareMetrics{
		PanicsRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "panics_recovered_total",
				Help:      "Total handler panics recovered",
			},
		),
		ClientRejects: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "client_rate_limit_rejections_total",
				Help:      "Total requests rejected by the per-client limiter",
			},
		),
		OverloadSheds: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "overload_sheds_total",
				Help:      "Total requests shed by the overload breaker",
			},
		),
		OverloadTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "overload_transitions_total",
				Help:      "Overload breaker state transitions",
			},
			[]string{"from", "to"},
		),
	}
}

// GetMiddlewareMetrics returns the singleton middleware metrics.
func GetMiddlewareMetrics() *MiddlewareMetrics {
	middlewareMetricsOnce.Do(func() {
		middlewareMetricsInstance = NewMiddlewareMetrics()
	})
	return middlewareMetricsInstance
}

// RecordPanic counts one recovered panic.
func (m *MiddlewareMetrics) RecordPanic() {
	m.PanicsRecovered.Inc()
}

// RecordClientReject counts one per-client rejection.
func (m *MiddlewareMetrics) RecordClientReject() {
	m.ClientRejects.Inc()
}

// RecordOverloadShed counts one request shed by the open overload
// breaker.
func (m *MiddlewareMetrics) RecordOverloadShed() {
	m.OverloadSheds.Inc()
}

// RecordOverloadTransition counts one overload breaker transition.
func (m *MiddlewareMetrics) RecordOverloadTransition(from, to string) {
	m.OverloadTransitions.WithLabelValues(from, to).Inc()
}

// MustRegister registers the collectors with an additional registry.
// AlreadyRegisteredError is ignored so reloads can re-register safely.
func (m *MiddlewareMetrics) MustRegister(registry *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.PanicsRecovered,
		m.ClientRejects,
		m.OverloadSheds,
		m.OverloadTransitions,
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
