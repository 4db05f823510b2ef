package config

import "time"

// Load balancing strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted_round_robin"
	StrategyLeastConn  = "least_conn"
	StrategyRandom     = "random"
)

// BalancerConfig selects the instance selection strategy.
type BalancerConfig struct {
	Strategy string `yaml:"strategy" json:"strategy"`
}

// GetEffectiveStrategy returns the strategy with the default applied.
func (c *BalancerConfig) GetEffectiveStrategy() string {
	if c == nil || c.Strategy == "" {
		return StrategyRoundRobin
	}
	return c.Strategy
}

// Circuit breaker scopes.
const (
	BreakerScopeInstance = "instance"
	BreakerScopeService  = "service"
)

// CircuitBreakerConfig configures the upstream circuit breakers.
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Scope selects breaker granularity: instance (one breaker per
	// upstream instance) or service (one breaker shared by all
	// instances of a service, for low-traffic services).
	Scope string `yaml:"scope,omitempty" json:"scope,omitempty"`

	// FailureThreshold is the number of consecutive failures that trips
	// a closed breaker open.
	FailureThreshold int `yaml:"failureThreshold,omitempty" json:"failureThreshold,omitempty"`

	// Cooldown is the base open interval before a half-open trial.
	Cooldown Duration `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`

	// MaxCooldown caps the exponential cooldown growth applied when a
	// breaker re-opens from half-open.
	MaxCooldown Duration `yaml:"maxCooldown,omitempty" json:"maxCooldown,omitempty"`
}

// GetEffectiveScope returns the breaker scope with the default applied.
func (c *CircuitBreakerConfig) GetEffectiveScope() string {
	if c == nil || c.Scope == "" {
		return BreakerScopeInstance
	}
	return c.Scope
}

// GetEffectiveFailureThreshold returns the trip threshold with defaults applied.
func (c *CircuitBreakerConfig) GetEffectiveFailureThreshold() int {
	if c == nil || c.FailureThreshold <= 0 {
		return DefaultBreakerFailureThreshold
	}
	return c.FailureThreshold
}

// GetEffectiveCooldown returns the base cooldown with defaults applied.
func (c *CircuitBreakerConfig) GetEffectiveCooldown() time.Duration {
	if c == nil || c.Cooldown == 0 {
		return DefaultBreakerCooldown
	}
	return c.Cooldown.Duration()
}

// GetEffectiveMaxCooldown returns the cooldown cap with defaults applied.
func (c *CircuitBreakerConfig) GetEffectiveMaxCooldown() time.Duration {
	if c == nil || c.MaxCooldown == 0 {
		return DefaultBreakerMaxCooldown
	}
	return c.MaxCooldown.Duration()
}

// Rate limit algorithms.
const (
	RateLimitAlgorithmFixedWindow   = "fixed_window"
	RateLimitAlgorithmSlidingWindow = "sliding_window"
)

// Rate limit key scopes.
const (
	RateLimitKeyClientIP = "client_ip"
	RateLimitKeyHeader   = "header"
	RateLimitKeyRoute    = "route"
)

// Rate limit counter stores.
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

// RateLimitConfig configures request admission.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Algorithm is fixed_window or sliding_window.
	Algorithm string `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`

	// Requests allowed per Window.
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`

	// KeyBy selects the admission key: client_ip, header, or route.
	KeyBy string `yaml:"keyBy,omitempty" json:"keyBy,omitempty"`

	// Header names the request header used when KeyBy is header.
	Header string `yaml:"header,omitempty" json:"header,omitempty"`

	// Store is memory (per-process) or redis (shared).
	Store string `yaml:"store,omitempty" json:"store,omitempty"`

	// Redis configures the shared counter store.
	Redis *RedisStoreConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// GetEffectiveAlgorithm returns the algorithm with the default applied.
func (c *RateLimitConfig) GetEffectiveAlgorithm() string {
	if c == nil || c.Algorithm == "" {
		return RateLimitAlgorithmFixedWindow
	}
	return c.Algorithm
}

// GetEffectiveKeyBy returns the key scope with the default applied.
func (c *RateLimitConfig) GetEffectiveKeyBy() string {
	if c == nil || c.KeyBy == "" {
		return RateLimitKeyClientIP
	}
	return c.KeyBy
}

// GetEffectiveStore returns the counter store with the default applied.
func (c *RateLimitConfig) GetEffectiveStore() string {
	if c == nil || c.Store == "" {
		return RateLimitStoreMemory
	}
	return c.Store
}

// RedisStoreConfig configures the shared rate limit counter store.
type RedisStoreConfig struct {
	Address   string `yaml:"address" json:"address"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty"`
	DB        int    `yaml:"db,omitempty" json:"db,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
}

// RetryConfig configures retries of idempotent requests.
type RetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxAttempts bounds the total number of attempts including the
	// first one.
	MaxAttempts int `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`

	// PerTryTimeout bounds each individual attempt.
	PerTryTimeout Duration `yaml:"perTryTimeout,omitempty" json:"perTryTimeout,omitempty"`

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff Duration `yaml:"initialBackoff,omitempty" json:"initialBackoff,omitempty"`

	// MaxBackoff caps the exponential backoff growth.
	MaxBackoff Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`

	// BackoffFactor is the exponential growth factor.
	BackoffFactor float64 `yaml:"backoffFactor,omitempty" json:"backoffFactor,omitempty"`
}

// GetEffectiveMaxAttempts returns the attempt cap with defaults applied.
func (c *RetryConfig) GetEffectiveMaxAttempts() int {
	if c == nil || c.MaxAttempts <= 0 {
		return DefaultRetryMaxAttempts
	}
	return c.MaxAttempts
}

// GetEffectiveInitialBackoff returns the initial backoff with defaults applied.
func (c *RetryConfig) GetEffectiveInitialBackoff() time.Duration {
	if c == nil || c.InitialBackoff == 0 {
		return DefaultRetryInitialBackoff
	}
	return c.InitialBackoff.Duration()
}

// GetEffectiveMaxBackoff returns the backoff cap with defaults applied.
func (c *RetryConfig) GetEffectiveMaxBackoff() time.Duration {
	if c == nil || c.MaxBackoff == 0 {
		return DefaultRetryMaxBackoff
	}
	return c.MaxBackoff.Duration()
}

// GetEffectiveBackoffFactor returns the growth factor with defaults applied.
func (c *RetryConfig) GetEffectiveBackoffFactor() float64 {
	if c == nil || c.BackoffFactor <= 1 {
		return DefaultRetryBackoffFactor
	}
	return c.BackoffFactor
}

// ProxyConfig configures the upstream HTTP connection pool.
type ProxyConfig struct {
	MaxIdleConns        int      `yaml:"maxIdleConns,omitempty" json:"maxIdleConns,omitempty"`
	MaxIdleConnsPerHost int      `yaml:"maxIdleConnsPerHost,omitempty" json:"maxIdleConnsPerHost,omitempty"`
	IdleConnTimeout     Duration `yaml:"idleConnTimeout,omitempty" json:"idleConnTimeout,omitempty"`
}

// GetEffectiveMaxIdleConns returns the pool size with defaults applied.
func (c *ProxyConfig) GetEffectiveMaxIdleConns() int {
	if c == nil || c.MaxIdleConns <= 0 {
		return DefaultProxyMaxIdleConns
	}
	return c.MaxIdleConns
}

// GetEffectiveMaxIdleConnsPerHost returns the per-host pool size with
// defaults applied.
func (c *ProxyConfig) GetEffectiveMaxIdleConnsPerHost() int {
	if c == nil || c.MaxIdleConnsPerHost <= 0 {
		return DefaultProxyMaxIdleConnsPerHost
	}
	return c.MaxIdleConnsPerHost
}

// GetEffectiveIdleConnTimeout returns the idle timeout with defaults applied.
func (c *ProxyConfig) GetEffectiveIdleConnTimeout() time.Duration {
	if c == nil || c.IdleConnTimeout == 0 {
		return DefaultProxyIdleConnTimeout
	}
	return c.IdleConnTimeout.Duration()
}

// ClientRateLimitConfig throttles individual inbound clients before
// route matching.
type ClientRateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// OverloadConfig configures the gateway-wide overload breaker that
// sheds traffic when the whole pipeline keeps failing.
type OverloadConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}
