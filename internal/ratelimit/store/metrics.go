package store

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "ratelimit_store"
)

// StoreMetrics instruments the shared counter store.
type StoreMetrics struct {
	// OperationsTotal counts store operations by outcome.
	OperationsTotal *prometheus.CounterVec

	// OperationDuration observes store operation latency.
	OperationDuration *prometheus.HistogramVec
}

// NewStoreMetrics creates and registers store metrics on the default
// registry.
func NewStoreMetrics() *StoreMetrics {
	return &StoreMetrics{
		OperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "operations_total",
				Help:      "Total counter store operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Counter store operation latency in seconds.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
	}
}

var (
	storeMetricsOnce sync.Once
	storeMetrics     *StoreMetrics
)

// GetStoreMetrics returns the process-wide store metrics.
func GetStoreMetrics() *StoreMetrics {
	storeMetricsOnce.Do(func() {
		storeMetrics = NewStoreMetrics()
	})
	return storeMetrics
}

// Observe records one store operation.
func (m *StoreMetrics) Observe(operation, status string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// MustRegister registers the store metrics on reg. Collectors already
// registered are tolerated.
func (m *StoreMetrics) MustRegister(reg *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.OperationsTotal,
		m.OperationDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
