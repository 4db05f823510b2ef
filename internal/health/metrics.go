package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "health"
)

// Probe result label values.
const (
	probeResultSuccess = "success"
	probeResultFailure = "failure"
)

// HealthMetrics holds the probe-level Prometheus metrics.
type HealthMetrics struct {
	ProbesTotal          *prometheus.CounterVec
	ProbeDurationSeconds *prometheus.HistogramVec
	InstanceHealth       *prometheus.GaugeVec
}

var (
	healthMetricsInstance *HealthMetrics
	healthMetricsOnce     sync.Once
)

// NewHealthMetrics creates the metrics registered via promauto on the
// default registry.
func NewHealthMetrics() *HealthMetrics {
	return &HealthMetrics{
		ProbesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "probes_total",
				Help:      "Total number of health probes by result",
			},
			[]string{"service", "result"},
		),
		ProbeDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "probe_duration_seconds",
				Help:      "Duration of health probes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		InstanceHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "instance_health",
				Help: "Instance health as observed by probing " +
					"(1=healthy, 0=unhealthy)",
			},
			[]string{"service", "instance"},
		),
	}
}

// GetHealthMetrics returns the singleton health metrics instance.
func GetHealthMetrics() *HealthMetrics {
	healthMetricsOnce.Do(func() {
		healthMetricsInstance = NewHealthMetrics()
	})
	return healthMetricsInstance
}

// RecordProbe records one probe attempt.
func (m *HealthMetrics) RecordProbe(service, result string, duration time.Duration) {
	m.ProbesTotal.WithLabelValues(service, result).Inc()
	m.ProbeDurationSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// SetInstanceHealth publishes the observed health of an instance.
func (m *HealthMetrics) SetInstanceHealth(service, instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.InstanceHealth.WithLabelValues(service, instance).Set(v)
}

// DeleteInstanceHealth drops the gauge series of a removed instance.
func (m *HealthMetrics) DeleteInstanceHealth(service, instance string) {
	m.InstanceHealth.DeleteLabelValues(service, instance)
}
