// Package ratelimit admits requests against per-key windows backed by
// a shared counter store. Capacity is consumed atomically in the
// store, so concurrent admissions for one key settle into exactly the
// configured number of allowed slots per window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/ratelimit/store"
)

// Result is the outcome of one admission check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the configured number of requests per window.
	Limit int

	// Remaining is how many requests the key has left in the current
	// window.
	Remaining int

	// RetryAfter is how long a rejected caller should wait before the
	// next attempt. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter admits requests under a per-key limit.
type Limiter interface {
	// Admit consumes one slot for key when capacity remains. A
	// rejection carries the wait until the next slot frees up.
	Admit(ctx context.Context, key string) (*Result, error)

	// Reset clears the counters for key.
	Reset(ctx context.Context, key string) error

	// Close releases the limiter's counter store. Safe to call more
	// than once.
	Close() error
}

// Option configures the limiter factory.
type Option func(*options)

type options struct {
	logger observability.Logger
	store  store.Store
}

// WithLogger sets the limiter logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStore overrides the counter store the config would select.
func WithStore(s store.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// New builds the limiter described by cfg together with its counter
// store. Closing the limiter closes the store.
func New(cfg *config.RateLimitConfig, opts ...Option) (Limiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rate limit: config is required")
	}
	if cfg.Requests <= 0 {
		return nil, fmt.Errorf("rate limit: requests must be positive, got %d", cfg.Requests)
	}

	window := cfg.Window.Duration()
	if window <= 0 {
		return nil, fmt.Errorf("rate limit: window must be positive, got %s", window)
	}

	o := &options{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}

	s := o.store
	if s == nil {
		switch cfg.GetEffectiveStore() {
		case config.RateLimitStoreMemory:
			s = store.NewMemoryStore()
		case config.RateLimitStoreRedis:
			var err error
			s, err = store.NewRedisStore(cfg.Redis, store.WithRedisStoreLogger(o.logger))
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("rate limit: unknown store %q", cfg.Store)
		}
	}

	switch cfg.GetEffectiveAlgorithm() {
	case config.RateLimitAlgorithmFixedWindow:
		return NewFixedWindow(s, cfg.Requests, window, o.logger), nil
	case config.RateLimitAlgorithmSlidingWindow:
		return NewSlidingWindow(s, cfg.Requests, window, o.logger), nil
	default:
		if o.store == nil {
			_ = s.Close()
		}
		return nil, fmt.Errorf("rate limit: unknown algorithm %q", cfg.Algorithm)
	}
}

// remaining clamps leftover capacity at zero.
func remaining(limit, used int64) int {
	if used >= limit {
		return 0
	}
	return int(limit - used)
}
