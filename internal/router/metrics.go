package router

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "router"
)

// RouterMetrics instruments route matching.
type RouterMetrics struct {
	// MatchesTotal counts matched requests per route.
	MatchesTotal *prometheus.CounterVec

	// NotFoundTotal counts requests no route matched.
	NotFoundTotal prometheus.Counter
}

// NewRouterMetrics creates and registers router metrics on the default
// registry.
func NewRouterMetrics() *RouterMetrics {
	return &RouterMetrics{
		MatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "matches_total",
				Help:      "Total matched requests per route.",
			},
			[]string{"route"},
		),
		NotFoundTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "not_found_total",
				Help:      "Total requests that matched no route.",
			},
		),
	}
}

var (
	routerMetricsOnce sync.Once
	routerMetrics     *RouterMetrics
)

// GetRouterMetrics returns the process-wide router metrics.
func GetRouterMetrics() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		routerMetrics = NewRouterMetrics()
	})
	return routerMetrics
}

// RecordMatch counts a matched request.
func (m *RouterMetrics) RecordMatch(route string) {
	if m == nil {
		return
	}
	m.MatchesTotal.WithLabelValues(route).Inc()
}

// RecordNotFound counts a request that matched no route.
func (m *RouterMetrics) RecordNotFound() {
	if m == nil {
		return
	}
	m.NotFoundTotal.Inc()
}

// MustRegister registers the router metrics on reg. Collectors already
// registered are tolerated.
func (m *RouterMetrics) MustRegister(reg *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.MatchesTotal,
		m.NotFoundTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
