package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "registry"
)

// Refresh result label values.
const (
	refreshResultSuccess = "success"
	refreshResultPartial = "partial"
	refreshResultFailure = "failure"
)

// RegistryMetrics holds the registry-level Prometheus metrics.
type RegistryMetrics struct {
	RefreshesTotal         *prometheus.CounterVec
	RefreshDurationSeconds prometheus.Histogram
	Services               prometheus.Gauge
	Instances              *prometheus.GaugeVec
	LastRefreshTimestamp   prometheus.Gauge
}

var (
	registryMetricsInstance *RegistryMetrics
	registryMetricsOnce     sync.Once
)

// NewRegistryMetrics creates the metrics registered via promauto on the
// default registry.
func NewRegistryMetrics() *RegistryMetrics {
	return &RegistryMetrics{
		RefreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "refreshes_total",
				Help: "Total number of registry refreshes " +
					"by result",
			},
			[]string{"result"},
		),
		RefreshDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of registry refreshes",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Services: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "services",
				Help: "Number of services in the current " +
					"snapshot",
			},
		),
		Instances: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "instances",
				Help: "Number of instances per service " +
					"in the current snapshot",
			},
			[]string{"service"},
		),
		LastRefreshTimestamp: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "last_refresh_timestamp_seconds",
				Help: "Unix time of the last refresh " +
					"attempt",
			},
		),
	}
}

// GetRegistryMetrics returns the singleton registry metrics instance.
func GetRegistryMetrics() *RegistryMetrics {
	registryMetricsOnce.Do(func() {
		registryMetricsInstance = NewRegistryMetrics()
	})
	return registryMetricsInstance
}

// RecordRefresh records one refresh attempt.
func (m *RegistryMetrics) RecordRefresh(result string, duration time.Duration) {
	m.RefreshesTotal.WithLabelValues(result).Inc()
	m.RefreshDurationSeconds.Observe(duration.Seconds())
	m.LastRefreshTimestamp.SetToCurrentTime()
}

// MustRegister registers the collectors with an additional registry.
// AlreadyRegisteredError is ignored so reloads can re-register safely.
func (m *RegistryMetrics) MustRegister(registry *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.RefreshesTotal,
		m.RefreshDurationSeconds,
		m.Services,
		m.Instances,
		m.LastRefreshTimestamp,
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
