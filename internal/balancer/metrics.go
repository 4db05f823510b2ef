package balancer

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "balancer"
)

// BalancerMetrics holds the instance selection Prometheus metrics.
type BalancerMetrics struct {
	SelectionsTotal *prometheus.CounterVec
	NoInstanceTotal *prometheus.CounterVec
}

var (
	balancerMetricsInstance *BalancerMetrics
	balancerMetricsOnce     sync.Once
)

// NewBalancerMetrics creates the metrics registered via promauto on the
// default registry.
func NewBalancerMetrics() *BalancerMetrics {
	return &BalancerMetrics{
		SelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "selections_total",
				Help: "Total successful instance selections " +
					"by service and strategy",
			},
			[]string{"service", "strategy"},
		),
		NoInstanceTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "no_instance_total",
				Help: "Total selections that found no " +
					"eligible instance",
			},
			[]string{"service"},
		),
	}
}

// GetBalancerMetrics returns the singleton balancer metrics instance.
func GetBalancerMetrics() *BalancerMetrics {
	balancerMetricsOnce.Do(func() {
		balancerMetricsInstance = NewBalancerMetrics()
	})
	return balancerMetricsInstance
}

// RecordSelection records one successful selection.
func (m *BalancerMetrics) RecordSelection(service, strategy string) {
	m.SelectionsTotal.WithLabelValues(service, strategy).Inc()
}

// RecordNoInstance records a selection that found no eligible instance.
func (m *BalancerMetrics) RecordNoInstance(service string) {
	m.NoInstanceTotal.WithLabelValues(service).Inc()
}

// MustRegister registers the collectors with an additional registry.
// AlreadyRegisteredError is ignored so reloads can re-register safely.
func (m *BalancerMetrics) MustRegister(registry *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.SelectionsTotal,
		m.NoInstanceTotal,
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
