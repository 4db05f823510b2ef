package config

import (
	"net"
	"strconv"
	"time"
)

// APIVersion prefix and kind expected at the document root.
const (
	APIVersionPrefix = "dispatch.avdispatch.io/"
	KindGateway      = "Gateway"
)

// Default values applied when optional settings are omitted.
const (
	DefaultHTTPPort    = 8080
	DefaultGRPCPort    = 9090
	DefaultAdminPort   = 8081
	DefaultMetricsPort = 9100

	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultRouteTimeout    = 30 * time.Second
	DefaultRefreshInterval = 10 * time.Second

	DefaultHealthInterval           = 10 * time.Second
	DefaultHealthTimeout            = 2 * time.Second
	DefaultHealthPath               = "/healthz"
	DefaultHealthyThreshold         = 2
	DefaultUnhealthyThreshold       = 3
	DefaultBreakerFailureThreshold  = 5
	DefaultBreakerCooldown          = 5 * time.Second
	DefaultBreakerMaxCooldown       = 60 * time.Second
	DefaultRetryMaxAttempts         = 3
	DefaultRetryInitialBackoff      = 50 * time.Millisecond
	DefaultRetryMaxBackoff          = 2 * time.Second
	DefaultRetryBackoffFactor       = 2.0
	DefaultProxyMaxIdleConns        = 100
	DefaultProxyMaxIdleConnsPerHost = 16
	DefaultProxyIdleConnTimeout     = 90 * time.Second
	DefaultMetricsPath              = "/metrics"
)

// GatewayConfig is the root of a declarative gateway configuration
// document.
type GatewayConfig struct {
	APIVersion string      `yaml:"apiVersion" json:"apiVersion"`
	Kind       string      `yaml:"kind" json:"kind"`
	Metadata   Metadata    `yaml:"metadata" json:"metadata"`
	Spec       GatewaySpec `yaml:"spec" json:"spec"`
}

// Metadata identifies a gateway configuration.
type Metadata struct {
	Name        string            `yaml:"name" json:"name"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// GatewaySpec holds the dispatch pipeline configuration.
type GatewaySpec struct {
	Listeners []Listener `yaml:"listeners" json:"listeners"`
	Registry  Registry   `yaml:"registry" json:"registry"`
	Routes    []Route    `yaml:"routes" json:"routes"`

	// HealthCheck configures active upstream probing.
	HealthCheck *HealthCheckConfig `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`

	// LoadBalancer sets the default instance selection strategy.
	// Routes may override it.
	LoadBalancer *BalancerConfig `yaml:"loadBalancer,omitempty" json:"loadBalancer,omitempty"`

	// CircuitBreaker configures the per-instance breakers.
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`

	// RateLimit sets the default admission policy. Routes may override it.
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`

	// Retry sets the default retry policy for idempotent requests.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Proxy configures the upstream HTTP connection pool.
	Proxy *ProxyConfig `yaml:"proxy,omitempty" json:"proxy,omitempty"`

	// ClientRateLimit throttles individual inbound clients before any
	// route matching happens.
	ClientRateLimit *ClientRateLimitConfig `yaml:"clientRateLimit,omitempty" json:"clientRateLimit,omitempty"`

	// Overload configures the gateway-wide overload breaker.
	Overload *OverloadConfig `yaml:"overload,omitempty" json:"overload,omitempty"`

	// Admin configures the status API server.
	Admin *AdminConfig `yaml:"admin,omitempty" json:"admin,omitempty"`

	// Metrics configures the Prometheus endpoint.
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`

	// Observability configures logging.
	Observability *ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// Listener protocols.
const (
	ListenerProtocolHTTP = "HTTP"
	ListenerProtocolGRPC = "GRPC"
)

// Listener defines a network listener.
type Listener struct {
	Name     string `yaml:"name" json:"name"`
	Bind     string `yaml:"bind,omitempty" json:"bind,omitempty"`
	Port     int    `yaml:"port" json:"port"`
	Protocol string `yaml:"protocol" json:"protocol"`

	// ReadTimeout, WriteTimeout and IdleTimeout override the server
	// defaults for this listener.
	ReadTimeout  Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout  Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
}

// Address returns the bind address in "host:port" form.
func (l *Listener) Address() string {
	bind := l.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	return joinHostPort(bind, l.Port)
}

// DefaultConfig returns a minimal working configuration with an HTTP
// listener and a static registry.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		APIVersion: APIVersionPrefix + "v1alpha1",
		Kind:       KindGateway,
		Metadata: Metadata{
			Name: "dispatch",
		},
		Spec: GatewaySpec{
			Listeners: []Listener{
				{Name: "http", Port: DefaultHTTPPort, Protocol: ListenerProtocolHTTP},
			},
			Registry: Registry{
				Provider:        RegistryProviderStatic,
				RefreshInterval: Duration(DefaultRefreshInterval),
				Static:          &StaticRegistryConfig{},
			},
		},
	}
}

// HTTPListeners returns the listeners carrying HTTP traffic.
func (s *GatewaySpec) HTTPListeners() []Listener {
	return s.listenersByProtocol(ListenerProtocolHTTP)
}

// GRPCListeners returns the listeners carrying gRPC traffic.
func (s *GatewaySpec) GRPCListeners() []Listener {
	return s.listenersByProtocol(ListenerProtocolGRPC)
}

func (s *GatewaySpec) listenersByProtocol(protocol string) []Listener {
	var out []Listener
	for _, l := range s.Listeners {
		if l.Protocol == protocol {
			out = append(out, l)
		}
	}
	return out
}

// RouteByName returns the named route, or nil.
func (s *GatewaySpec) RouteByName(name string) *Route {
	for i := range s.Routes {
		if s.Routes[i].Name == name {
			return &s.Routes[i]
		}
	}
	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
