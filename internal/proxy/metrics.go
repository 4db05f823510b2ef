package proxy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avdispatch/internal/util"
)

const (
	metricsNamespace = "dispatch"
	metricsSubsystem = "proxy"
)

// Protocol label values.
const (
	protocolPassthrough = "passthrough"
	protocolTranscode   = "transcode"
	protocolWebsocket   = "websocket"
)

// Outcome label values for attempts that never produced a status code.
const (
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

const (
	directionToClient  = "to_client"
	directionToBackend = "to_backend"
)

// ProxyMetrics instruments forwarded attempts.
type ProxyMetrics struct {
	// ForwardsTotal counts attempts by service, protocol, and outcome.
	// Outcome is a status class (2xx..5xx) or error/timeout.
	ForwardsTotal *prometheus.CounterVec

	// ForwardDuration observes attempt latency by service and protocol.
	ForwardDuration *prometheus.HistogramVec

	// TranscodeRejectionsTotal counts requests rejected by schema
	// validation before any upstream contact.
	TranscodeRejectionsTotal *prometheus.CounterVec

	// WebsocketMessagesTotal counts relayed websocket messages by
	// service and direction.
	WebsocketMessagesTotal *prometheus.CounterVec
}

// NewProxyMetrics creates and registers proxy metrics on the default
// registry.
func NewProxyMetrics() *ProxyMetrics {
	return &ProxyMetrics{
		ForwardsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "forwards_total",
				Help:      "Total forwarded attempts by service, protocol, and outcome.",
			},
			[]string{"service", "protocol", "outcome"},
		),
		ForwardDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "forward_duration_seconds",
				Help:      "Forward attempt latency by service and protocol.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"service", "protocol"},
		),
		TranscodeRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "transcode_rejections_total",
				Help:      "Total requests rejected by transcode schema validation.",
			},
			[]string{"service"},
		),
		WebsocketMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "websocket_messages_total",
				Help:      "Total relayed websocket messages by service and direction.",
			},
			[]string{"service", "direction"},
		),
	}
}

var (
	proxyMetricsOnce sync.Once
	proxyMetrics     *ProxyMetrics
)

// GetProxyMetrics returns the process-wide proxy metrics.
func GetProxyMetrics() *ProxyMetrics {
	proxyMetricsOnce.Do(func() {
		proxyMetrics = NewProxyMetrics()
	})
	return proxyMetrics
}

// RecordForward counts one attempt and observes its latency.
func (m *ProxyMetrics) RecordForward(service, protocol, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ForwardsTotal.WithLabelValues(service, protocol, outcome).Inc()
	if elapsed > 0 {
		m.ForwardDuration.WithLabelValues(service, protocol).Observe(elapsed.Seconds())
	}
}

// RecordTranscodeRejection counts one schema rejection.
func (m *ProxyMetrics) RecordTranscodeRejection(service string) {
	if m == nil {
		return
	}
	m.TranscodeRejectionsTotal.WithLabelValues(service).Inc()
}

// RecordWebsocketMessages counts the messages relayed in one session.
func (m *ProxyMetrics) RecordWebsocketMessages(service string, toClient, toBackend int64) {
	if m == nil {
		return
	}
	if toClient > 0 {
		m.WebsocketMessagesTotal.WithLabelValues(service, directionToClient).Add(float64(toClient))
	}
	if toBackend > 0 {
		m.WebsocketMessagesTotal.WithLabelValues(service, directionToBackend).Add(float64(toBackend))
	}
}

// MustRegister registers the proxy metrics on reg. Collectors already
// registered are tolerated.
func (m *ProxyMetrics) MustRegister(reg *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.ForwardsTotal,
		m.ForwardDuration,
		m.TranscodeRejectionsTotal,
		m.WebsocketMessagesTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

// outcomeLabel maps a classified forward error onto its outcome label.
func outcomeLabel(err error) string {
	if errors.Is(err, util.ErrTimeout) {
		return outcomeTimeout
	}
	return outcomeError
}

// statusClass buckets a status code into its class label, e.g. "2xx".
func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
