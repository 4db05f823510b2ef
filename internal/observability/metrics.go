package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute is the label value for requests that matched no route,
// keeping label cardinality bounded.
const unmatchedRoute = "unmatched"

// Metrics holds the request-level Prometheus metrics for the dispatcher.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	activeRequests     prometheus.Gauge
	instanceSelections *prometheus.CounterVec
	retryAttempts      *prometheus.HistogramVec
	rateLimitRejects   *prometheus.CounterVec
	buildInfo          *prometheus.GaugeVec
	startTime          prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a Metrics bundle registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dispatch"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of dispatched requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of requests currently in flight",
		},
	)

	m.instanceSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_selections_total",
			Help:      "Total number of upstream instance selections",
		},
		[]string{"service", "instance", "strategy"},
	)

	m.retryAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_attempts",
			Help:      "Number of upstream attempts per request",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"route"},
	)

	m.rateLimitRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of rate-limited requests",
		},
		[]string{"scope"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Process start time in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.instanceSelections,
		m.retryAttempts,
		m.rateLimitRejects,
		m.buildInfo,
		m.startTime,
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed request. The route parameter is the
// matched route name, not the raw path, to keep cardinality bounded.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = unmatchedRoute
	}
	statusStr := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, route, statusStr).Inc()
	m.requestDuration.WithLabelValues(method, route, statusStr).Observe(duration.Seconds())
}

// RecordSelection records an upstream instance selection.
func (m *Metrics) RecordSelection(service, instance, strategy string) {
	m.instanceSelections.WithLabelValues(service, instance, strategy).Inc()
}

// RecordAttempts records how many upstream attempts a request consumed.
func (m *Metrics) RecordAttempts(route string, attempts int) {
	if route == "" {
		route = unmatchedRoute
	}
	m.retryAttempts.WithLabelValues(route).Observe(float64(attempts))
}

// RecordRateLimitRejection records a rejected admission for the given scope
// (route name or "client").
func (m *Metrics) RecordRateLimitRejection(scope string) {
	m.rateLimitRejects.WithLabelValues(scope).Inc()
}

// IncActiveRequests increments the in-flight gauge.
func (m *Metrics) IncActiveRequests() { m.activeRequests.Inc() }

// DecActiveRequests decrements the in-flight gauge.
func (m *Metrics) DecActiveRequests() { m.activeRequests.Dec() }

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// RegisterCollector registers an additional collector on the bundled
// registry so external packages can share the metrics endpoint.
func (m *Metrics) RegisterCollector(c prometheus.Collector) error {
	return m.registry.Register(c)
}

// Registry returns the Prometheus registry backing the bundle.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the metrics endpoint handler. Package-level collectors
// registered through promauto are served alongside the bundled registry;
// the default gatherer also carries the Go and process collectors, so
// the bundle registry must never register its own copies.
func (m *Metrics) Handler() http.Handler {
	gatherers := prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
