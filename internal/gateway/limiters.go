package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/ratelimit"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// routeLimiter binds one route to its admission window. Routes without
// an override share the gateway-wide limiter; the key function embeds
// the route name so shared counters never collide.
type routeLimiter struct {
	limiter ratelimit.Limiter
	key     ratelimit.KeyFunc
	limit   int

	// owned marks limiters created for a route override; shared
	// limiters are closed once by the set.
	owned bool
}

// limiterSet holds the admission limiters for all routes and swaps them
// atomically on configuration reload.
type limiterSet struct {
	logger observability.Logger

	mu     sync.RWMutex
	shared ratelimit.Limiter
	routes map[string]*routeLimiter
}

// newLimiterSet builds the limiters for the given spec.
func newLimiterSet(spec *config.GatewaySpec, logger observability.Logger) (*limiterSet, error) {
	s := &limiterSet{
		logger: logger,
		routes: make(map[string]*routeLimiter),
	}
	if err := s.Rebuild(spec); err != nil {
		return nil, err
	}
	return s, nil
}

// buildLimiters constructs the shared limiter and the per-route table
// without touching the live set.
func (s *limiterSet) buildLimiters(spec *config.GatewaySpec) (ratelimit.Limiter, map[string]*routeLimiter, error) {
	var shared ratelimit.Limiter
	globalCfg := spec.RateLimit

	if globalCfg != nil && globalCfg.Enabled {
		l, err := ratelimit.New(globalCfg, ratelimit.WithLogger(s.logger))
		if err != nil {
			return nil, nil, err
		}
		shared = l
	}

	routes := make(map[string]*routeLimiter, len(spec.Routes))
	for i := range spec.Routes {
		route := &spec.Routes[i]

		cfg := globalCfg
		owned := false
		if route.RateLimit != nil {
			cfg = route.RateLimit
			owned = true
		}
		if cfg == nil || !cfg.Enabled {
			continue
		}

		rl := &routeLimiter{
			key:   ratelimit.NewKeyFunc(cfg, route.Name),
			limit: cfg.Requests,
			owned: owned,
		}

		if owned {
			l, err := ratelimit.New(cfg, ratelimit.WithLogger(s.logger))
			if err != nil {
				closeLimiters(shared, routes)
				return nil, nil, err
			}
			rl.limiter = l
		} else {
			rl.limiter = shared
		}

		routes[route.Name] = rl
	}

	return shared, routes, nil
}

// Rebuild replaces the limiters from a new spec. In-flight admissions
// finish against the old limiters before those are closed.
func (s *limiterSet) Rebuild(spec *config.GatewaySpec) error {
	shared, routes, err := s.buildLimiters(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	oldShared, oldRoutes := s.shared, s.routes
	s.shared, s.routes = shared, routes
	s.mu.Unlock()

	closeLimiters(oldShared, oldRoutes)
	return nil
}

// Admit checks the request against the route's window. A nil return
// means the request may proceed; rejection surfaces as RateLimitError.
// The read lock is held for the whole admission: Rebuild and Close take
// the write lock before closing limiters, so an in-flight admission
// always finishes against a live store.
func (s *limiterSet) Admit(ctx context.Context, routeName string, r *http.Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rl, ok := s.routes[routeName]
	if !ok {
		return nil
	}

	key := rl.key(r)
	result, err := rl.limiter.Admit(ctx, key)
	if err != nil {
		// A broken counter store must not take the gateway down with
		// it; admit and leave a trace.
		s.logger.Error("rate limit store failure, admitting request",
			observability.String("route", routeName),
			observability.Error(err),
		)
		return nil
	}

	if !result.Allowed {
		return util.NewRateLimitError(key, result.Limit, result.RetryAfter)
	}
	return nil
}

// Close releases every limiter in the set.
func (s *limiterSet) Close() error {
	s.mu.Lock()
	shared, routes := s.shared, s.routes
	s.shared, s.routes = nil, map[string]*routeLimiter{}
	s.mu.Unlock()

	closeLimiters(shared, routes)
	return nil
}

func closeLimiters(shared ratelimit.Limiter, routes map[string]*routeLimiter) {
	for _, rl := range routes {
		if rl.owned && rl.limiter != nil {
			_ = rl.limiter.Close()
		}
	}
	if shared != nil {
		_ = shared.Close()
	}
}
