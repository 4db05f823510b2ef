package middleware

import (
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// Client limiter housekeeping bounds.
const (
	// DefaultClientTTL is how long an idle client keeps its bucket.
	DefaultClientTTL = 10 * time.Minute

	// MinCleanupInterval bounds how often the sweeper may run.
	MinCleanupInterval = 10 * time.Second

	// MaxCleanupInterval bounds how rarely the sweeper may run.
	MaxCleanupInterval = time.Minute
)

// clientEntry pairs a token bucket with its last access time so idle
// buckets can be swept.
type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ClientLimiter throttles inbound clients with one token bucket per
// client IP, created on first sight and swept after ClientTTL idle.
// It runs before route matching, in front of the per-route window
// limiter in the dispatcher.
type ClientLimiter struct {
	rps       float64
	burst     int
	clients   map[string]*clientEntry
	mu        sync.Mutex
	logger    observability.Logger
	clientTTL time.Duration
	stopCh    chan struct{}
	stopped   bool
}

// ClientLimiterOption configures a ClientLimiter.
type ClientLimiterOption func(*ClientLimiter)

// WithClientLimiterLogger sets the logger.
func WithClientLimiterLogger(logger observability.Logger) ClientLimiterOption {
	return func(cl *ClientLimiter) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// WithClientTTL overrides how long idle clients keep their bucket.
func WithClientTTL(ttl time.Duration) ClientLimiterOption {
	return func(cl *ClientLimiter) {
		if ttl > 0 {
			cl.clientTTL = ttl
		}
	}
}

// NewClientLimiter creates a ClientLimiter admitting rps requests per
// second with the given burst per client.
func NewClientLimiter(rps float64, burst int, opts ...ClientLimiterOption) *ClientLimiter {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	cl := &ClientLimiter{
		rps:       rps,
		burst:     burst,
		clients:   make(map[string]*clientEntry),
		logger:    observability.NopLogger(),
		clientTTL: DefaultClientTTL,
		stopCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cl)
	}

	return cl
}

// Allow reports whether the client may proceed, consuming one token.
func (cl *ClientLimiter) Allow(clientIP string) bool {
	now := time.Now()

	cl.mu.Lock()
	entry, ok := cl.clients[clientIP]
	if !ok {
		entry = &clientEntry{
			limiter: rate.NewLimiter(rate.Limit(cl.rps), cl.burst),
		}
		cl.clients[clientIP] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	cl.mu.Unlock()

	return limiter.Allow()
}

// Sweep removes client buckets idle for longer than maxAge.
func (cl *ClientLimiter) Sweep(maxAge time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range cl.clients {
		if now.Sub(entry.lastAccess) > maxAge {
			delete(cl.clients, ip)
			removed++
		}
	}

	if removed > 0 {
		cl.logger.Debug("swept idle client limiters",
			observability.Int("removed", removed),
			observability.Int("remaining", len(cl.clients)),
		)
	}
}

// StartSweeper launches the background goroutine that periodically
// removes idle client buckets. Stop terminates it.
func (cl *ClientLimiter) StartSweeper() {
	cl.mu.Lock()
	if cl.stopped {
		cl.mu.Unlock()
		return
	}
	cl.mu.Unlock()

	interval := cl.clientTTL / 2
	if interval > MaxCleanupInterval {
		interval = MaxCleanupInterval
	}
	if interval < MinCleanupInterval {
		interval = MinCleanupInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				cl.Sweep(cl.clientTTL)
			case <-cl.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweeper goroutine. Safe to call more than once.
func (cl *ClientLimiter) Stop() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if !cl.stopped {
		cl.stopped = true
		close(cl.stopCh)
	}
}

// Len returns the number of tracked clients.
func (cl *ClientLimiter) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.clients)
}

// ClientRateLimit returns a middleware rejecting clients over their
// per-IP budget with a 429 and a Retry-After hint.
func ClientRateLimit(cl *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := util.ClientIP(r)

			if !cl.Allow(clientIP) {
				cl.logger.Warn("client rate limit exceeded",
					observability.String("client_ip", clientIP),
					observability.String("path", r.URL.Path),
				)
				GetMiddlewareMetrics().RecordClientReject()

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(cl.rps)))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, ErrTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds estimates when the next token is available, at
// least one second so the header is never zero.
func retryAfterSeconds(rps float64) int {
	if rps >= 1 {
		return 1
	}
	if rps <= 0 {
		return 1
	}
	return int(1/rps + 0.5)
}

// ClientRateLimitFromConfig builds the middleware and its limiter from
// config. A nil or disabled config yields a pass-through middleware and
// a nil limiter. The caller must Stop the limiter on shutdown.
func ClientRateLimitFromConfig(
	cfg *config.ClientRateLimitConfig,
	logger observability.Logger,
) (func(http.Handler) http.Handler, *ClientLimiter) {
	if cfg == nil || !cfg.Enabled || cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}, nil
	}

	cl := NewClientLimiter(cfg.RequestsPerSecond, cfg.Burst, WithClientLimiterLogger(logger))
	cl.StartSweeper()

	return ClientRateLimit(cl), cl
}
