package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/balancer"
	"github.com/vyrodovalexey/avdispatch/internal/circuitbreaker"
	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/proxy"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/retry"
	"github.com/vyrodovalexey/avdispatch/internal/router"
)

// Middleware wraps the dispatch handler with the inbound chain.
type Middleware func(http.Handler) http.Handler

// Gateway owns the dispatch pipeline and its listeners. It is built
// once from a configuration, started, and later reloaded in place when
// the configuration changes.
type Gateway struct {
	logger  observability.Logger
	metrics *observability.Metrics

	registry *registry.Registry
	table    *router.Table
	balancer *balancer.Balancer
	breakers *circuitbreaker.Registry
	limiters *limiterSet
	proxy    *proxy.Proxy
	retrier  *retry.Controller

	dispatcher *Dispatcher
	handler    http.Handler
	middleware Middleware

	httpServers   []*HTTPServer
	grpcListeners []*GRPCListener

	mu        sync.Mutex
	cfg       *config.GatewayConfig
	running   bool
	startedAt time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger observability.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGatewayMetrics sets the metrics bundle shared across the
// pipeline.
func WithGatewayMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithMiddleware wraps the dispatch handler. The chain runs outside the
// pipeline, so rejects never consume registry or breaker state.
func WithMiddleware(mw Middleware) GatewayOption {
	return func(g *Gateway) {
		g.middleware = mw
	}
}

// New assembles the pipeline from cfg. The registry is owned by the
// caller; the gateway only reads from it.
func New(cfg *config.GatewayConfig, reg *registry.Registry, opts ...GatewayOption) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if reg == nil {
		return nil, ErrNilRegistry
	}

	g := &Gateway{
		logger:   observability.NopLogger(),
		metrics:  observability.NewMetrics("dispatch"),
		registry: reg,
		cfg:      cfg,
	}

	for _, opt := range opts {
		opt(g)
	}

	g.table = router.New(router.WithLogger(g.logger))
	if err := g.table.Load(cfg.Spec.Routes); err != nil {
		return nil, err
	}

	if cb := cfg.Spec.CircuitBreaker; cb != nil && cb.Enabled {
		g.breakers = circuitbreaker.NewRegistry(cb, circuitbreaker.WithRegistryLogger(g.logger))
	}

	g.balancer = balancer.New(balancer.WithGate(g.breakerGate()))

	limiters, err := newLimiterSet(&cfg.Spec, g.logger)
	if err != nil {
		return nil, err
	}
	g.limiters = limiters

	g.proxy = proxy.New(cfg.Spec.Proxy, proxy.WithLogger(g.logger))
	if err := g.proxy.Schemas().Preload(cfg.Spec.Routes); err != nil {
		_ = g.limiters.Close()
		return nil, err
	}

	g.retrier = retry.New(g.proxy, cfg.Spec.Retry, retry.WithLogger(g.logger))

	g.dispatcher = NewDispatcher(
		g.table,
		g.registry,
		g.balancer,
		g.breakers,
		g.limiters,
		g.retrier,
		g.proxy,
		g.defaultStrategy(),
		WithDispatcherLogger(g.logger),
		WithDispatcherMetrics(g.metrics),
	)
	g.handler = g.dispatcher
	if g.middleware != nil {
		g.handler = g.middleware(g.dispatcher)
	}

	for _, lc := range cfg.Spec.HTTPListeners() {
		g.httpServers = append(g.httpServers, NewHTTPServer(lc, g.handler,
			WithHTTPServerLogger(g.logger),
		))
	}
	for _, lc := range cfg.Spec.GRPCListeners() {
		g.grpcListeners = append(g.grpcListeners, NewGRPCListener(
			lc, g.table, g.registry, g.balancer, g.breakers, g.defaultStrategy(),
			WithGRPCListenerLogger(g.logger),
			WithGRPCListenerMetrics(g.metrics),
		))
	}

	return g, nil
}

// defaultStrategy resolves the gateway-wide balancing strategy.
func (g *Gateway) defaultStrategy() string {
	if g.cfg.Spec.LoadBalancer != nil {
		return g.cfg.Spec.LoadBalancer.GetEffectiveStrategy()
	}
	return config.StrategyRoundRobin
}

// breakerGate adapts the breaker registry into the balancer's
// admission gate. The gate only peeks at readiness; the trial slot is
// claimed by the selector after the pick.
func (g *Gateway) breakerGate() balancer.Gate {
	return func(service string, inst *registry.ServiceInstance) (bool, time.Duration) {
		if g.breakers == nil {
			return true, 0
		}
		br := g.breakers.Get(service, inst.ID)
		if br == nil {
			return true, 0
		}
		return br.Ready()
	}
}

// Start binds every configured listener.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return ErrGatewayRunning
	}

	for _, s := range g.httpServers {
		if err := s.Start(ctx); err != nil {
			g.stopListenersLocked(ctx)
			return err
		}
	}
	for _, l := range g.grpcListeners {
		if err := l.Start(ctx); err != nil {
			g.stopListenersLocked(ctx)
			return err
		}
	}

	g.running = true
	g.startedAt = time.Now()
	g.logger.Info("gateway started",
		observability.Int("http_listeners", len(g.httpServers)),
		observability.Int("grpc_listeners", len(g.grpcListeners)),
	)
	return nil
}

// Stop drains the listeners and releases pipeline resources.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return ErrGatewayNotRunning
	}
	g.running = false

	g.stopListenersLocked(ctx)

	if err := g.limiters.Close(); err != nil {
		g.logger.Warn("failed to close limiters", observability.Error(err))
	}
	if err := g.proxy.Close(); err != nil {
		g.logger.Warn("failed to close proxy", observability.Error(err))
	}

	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) stopListenersLocked(ctx context.Context) {
	for _, s := range g.httpServers {
		if err := s.Stop(ctx); err != nil && err != ErrGatewayNotRunning {
			g.logger.Warn("http listener stop failed",
				observability.String("address", s.Address()),
				observability.Error(err),
			)
		}
	}
	for _, l := range g.grpcListeners {
		if err := l.Stop(ctx); err != nil && err != ErrGatewayNotRunning {
			g.logger.Warn("grpc listener stop failed",
				observability.Error(err),
			)
		}
	}
}

// Reload applies a new configuration to the running pipeline. Routes,
// limiters, and transcode schemas swap atomically; listener topology
// changes require a restart and are ignored here.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	if cfg == nil {
		return ErrNilConfig
	}

	if err := g.table.Load(cfg.Spec.Routes); err != nil {
		return err
	}

	if err := g.limiters.Rebuild(&cfg.Spec); err != nil {
		return err
	}

	g.proxy.Schemas().Reset()
	if err := g.proxy.Schemas().Preload(cfg.Spec.Routes); err != nil {
		return err
	}

	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()

	g.logger.Info("gateway configuration reloaded",
		observability.Int("routes", len(cfg.Spec.Routes)),
	)
	return nil
}

// Handler returns the wrapped dispatch handler, for tests and embedded
// use.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Running reports whether the listeners are up.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// StartedAt returns when Start succeeded, zero before that.
func (g *Gateway) StartedAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.startedAt
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Registry returns the service registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Breakers returns the breaker registry, nil when breaking is disabled.
func (g *Gateway) Breakers() *circuitbreaker.Registry {
	return g.breakers
}

// Table returns the live route table.
func (g *Gateway) Table() *router.Table {
	return g.table
}
