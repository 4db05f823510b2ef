package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/balancer"
	"github.com/vyrodovalexey/avdispatch/internal/circuitbreaker"
	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/proxy"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/retry"
	"github.com/vyrodovalexey/avdispatch/internal/router"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// unmatchedRouteLabel keeps the request metric cardinality bounded for
// requests that never matched a route.
const unmatchedRouteLabel = "_unmatched"

// Dispatcher drives one request through the pipeline: route matching,
// admission, registry lookup, instance selection, and the retry
// controller around the forwarder. It implements http.Handler and is
// safe for concurrent use.
type Dispatcher struct {
	table    *router.Table
	registry *registry.Registry
	balancer *balancer.Balancer
	breakers *circuitbreaker.Registry
	limiters *limiterSet
	retrier  *retry.Controller
	proxy    *proxy.Proxy
	metrics  *observability.Metrics
	logger   observability.Logger

	defaultStrategy string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics sets the metrics bundle.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// NewDispatcher wires the pipeline stages together. breakers may be nil
// when circuit breaking is disabled; limiters may be nil when no route
// carries an admission policy.
func NewDispatcher(
	table *router.Table,
	reg *registry.Registry,
	bal *balancer.Balancer,
	breakers *circuitbreaker.Registry,
	limiters *limiterSet,
	retrier *retry.Controller,
	prox *proxy.Proxy,
	defaultStrategy string,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		table:           table,
		registry:        reg,
		balancer:        bal,
		breakers:        breakers,
		limiters:        limiters,
		retrier:         retrier,
		proxy:           prox,
		metrics:         observability.NewMetrics("dispatch"),
		logger:          observability.NopLogger(),
		defaultStrategy: defaultStrategy,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ServeHTTP dispatches one request.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	d.metrics.IncActiveRequests()
	defer d.metrics.DecActiveRequests()

	match, err := d.table.Match(r)
	if err != nil {
		d.fail(w, r, unmatchedRouteLabel, start, err)
		return
	}

	route := &match.Route.Config

	ctx := util.ContextWithRoute(r.Context(), route.Name)
	if len(match.PathParams) > 0 {
		ctx = util.ContextWithPathParams(ctx, match.PathParams)
	}
	r = r.WithContext(ctx)

	if d.limiters != nil {
		if err := d.limiters.Admit(ctx, route.Name, r); err != nil {
			d.metrics.RecordRateLimitRejection(route.Name)
			d.fail(w, r, route.Name, start, err)
			return
		}
	}

	entry, err := d.registry.Lookup(route.Service)
	if err != nil {
		d.fail(w, r, route.Name, start, err)
		return
	}

	path := match.Route.RewritePath(r.URL.Path)
	strategy := d.strategyFor(route)
	sel := d.selector(ctx, entry, route.Service, strategy)

	if proxy.IsWebSocketUpgrade(r) {
		d.serveWebSocket(w, r, route, sel, path, start)
		return
	}

	if timeout := route.GetEffectiveTimeout().Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attempts := 0
	report := func(inst *registry.ServiceInstance, attemptErr error) {
		attempts++
		d.reportBreaker(route.Service, inst, attemptErr)
	}

	resp, err := d.retrier.Do(ctx, route, r, path, sel, report)
	if attempts > 0 {
		d.metrics.RecordAttempts(route.Name, attempts)
	}
	if err != nil {
		d.fail(w, r, route.Name, start, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if err := proxy.WriteResponse(w, resp); err != nil {
		// Headers are out; nothing to send the client but the break.
		d.logger.Debug("response relay interrupted",
			observability.String("route", route.Name),
			observability.Error(err),
		)
	}

	d.metrics.RecordRequest(r.Method, route.Name, resp.StatusCode, time.Since(start))
}

// strategyFor resolves the balancing strategy for a route.
func (d *Dispatcher) strategyFor(route *config.Route) string {
	if route.Balancer != nil {
		return route.Balancer.GetEffectiveStrategy()
	}
	return d.defaultStrategy
}

// selector returns the per-attempt instance picker. Selection and the
// breaker admission race against other requests for the single
// half-open trial slot; losers exclude the instance and pick again, so
// the loop is bounded by the entry size.
func (d *Dispatcher) selector(ctx context.Context, entry *registry.ServiceEntry, service, strategy string) retry.Selector {
	return func(exclude map[string]struct{}) (*registry.ServiceInstance, error) {
		local := make(map[string]struct{}, len(exclude))
		for id := range exclude {
			local[id] = struct{}{}
		}

		for {
			inst, err := d.balancer.SelectExcluding(entry, strategy, local)
			if err != nil {
				return nil, err
			}

			if d.breakers != nil {
				if err := d.breakers.For(service, inst.ID).Allow(); err != nil {
					local[inst.ID] = struct{}{}
					continue
				}
			}

			d.metrics.RecordSelection(service, inst.ID, strategy)
			_ = util.ContextWithInstance(ctx, inst.Address)
			return inst, nil
		}
	}
}

// reportBreaker feeds one attempt outcome to the instance's breaker.
func (d *Dispatcher) reportBreaker(service string, inst *registry.ServiceInstance, err error) {
	if d.breakers == nil || inst == nil {
		return
	}
	br := d.breakers.For(service, inst.ID)
	if err == nil {
		br.RecordSuccess()
	} else {
		br.RecordFailure()
	}
}

// serveWebSocket relays an upgrade without the retry controller; once
// the connection is hijacked there is no second attempt.
func (d *Dispatcher) serveWebSocket(
	w http.ResponseWriter,
	r *http.Request,
	route *config.Route,
	sel retry.Selector,
	path string,
	start time.Time,
) {
	inst, err := sel(nil)
	if err != nil {
		d.fail(w, r, route.Name, start, err)
		return
	}

	inst.IncInflight()
	err = d.proxy.ForwardWebSocket(w, r, route, inst, path)
	inst.DecInflight()

	d.reportBreaker(route.Service, inst, err)

	status := http.StatusSwitchingProtocols
	if err != nil {
		status = statusFor(err)
		d.logger.Warn("websocket relay failed",
			observability.String("route", route.Name),
			observability.String("instance", inst.Address),
			observability.Error(err),
		)
	}
	d.metrics.RecordRequest(r.Method, route.Name, status, time.Since(start))
}

// fail writes the error response and records the request outcome.
func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, routeName string, start time.Time, err error) {
	status := statusFor(err)

	d.logger.WithContext(r.Context()).Warn("dispatch failed",
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.String("route", routeName),
		observability.Int("status", status),
		observability.Error(err),
	)

	writeError(w, d.logger, err)
	d.metrics.RecordRequest(r.Method, routeName, status, time.Since(start))
}
