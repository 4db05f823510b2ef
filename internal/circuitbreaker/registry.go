package circuitbreaker

import (
	"sync"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

// Registry owns the breakers for all upstream instances, keyed by the
// configured scope. Breakers are created lazily on first use and stay
// until pruned after the instance leaves the topology.
type Registry struct {
	cfg    *config.CircuitBreakerConfig
	logger observability.Logger

	breakers sync.Map // string -> *Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger passed on to created breakers.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg *config.CircuitBreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Key returns the breaker key for an instance under the configured
// scope: "service/instance" for instance scope, the bare service name
// for service scope.
func (r *Registry) Key(service, instanceID string) string {
	if r.cfg.GetEffectiveScope() == config.BreakerScopeService {
		return service
	}
	return service + "/" + instanceID
}

// For returns the breaker guarding the given instance, creating it on
// first use.
func (r *Registry) For(service, instanceID string) *Breaker {
	key := r.Key(service, instanceID)

	if value, ok := r.breakers.Load(key); ok {
		return value.(*Breaker)
	}

	b := NewBreaker(key, r.cfg, WithBreakerLogger(r.logger))

	actual, loaded := r.breakers.LoadOrStore(key, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("breaker", key),
	)
	return b
}

// Get returns the breaker for the given instance, or nil when none has
// been created yet.
func (r *Registry) Get(service, instanceID string) *Breaker {
	value, ok := r.breakers.Load(r.Key(service, instanceID))
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// Prune removes breakers whose key is not in alive, dropping their
// metric series. It returns the number removed. Callers build the alive
// set with Key so the entries match the configured scope.
func (r *Registry) Prune(alive map[string]struct{}) int {
	removed := 0
	r.breakers.Range(func(key, _ any) bool {
		k := key.(string)
		if _, ok := alive[k]; !ok {
			r.breakers.Delete(key)
			GetBreakerMetrics().DeleteBreaker(k)
			removed++
		}
		return true
	})

	if removed > 0 {
		r.logger.Debug("pruned circuit breakers",
			observability.Int("removed", removed),
		)
	}
	return removed
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value any) bool {
		value.(*Breaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Stats returns a snapshot of every breaker keyed by breaker name.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value any) bool {
		stats[key.(string)] = value.(*Breaker).Stats()
		return true
	})
	return stats
}

// Count returns the number of breakers currently tracked.
func (r *Registry) Count() int {
	n := 0
	r.breakers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
