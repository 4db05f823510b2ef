package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/ratelimit/store"
)

// FixedWindow counts requests in aligned windows of fixed width. The
// counter is incremented first and the decision read off the returned
// value, so admission for a key is linearizable through the store:
// under any interleaving exactly limit requests per window see a count
// within capacity.
type FixedWindow struct {
	store  store.Store
	limit  int
	window time.Duration
	logger observability.Logger
	now    func() time.Time
}

// NewFixedWindow creates a fixed window limiter allowing limit
// requests per window, counted in s.
func NewFixedWindow(s store.Store, limit int, window time.Duration, logger observability.Logger) *FixedWindow {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &FixedWindow{
		store:  s,
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Admit implements Limiter.
func (l *FixedWindow) Admit(ctx context.Context, key string) (*Result, error) {
	now := l.now()
	windowStart := l.windowStart(now)

	// Expire one second after the window closes so a rejected caller
	// retrying at the boundary still observes the old count gone.
	count, err := l.store.IncrementWithExpiry(ctx, l.windowKey(key, windowStart), 1, l.window+time.Second)
	if err != nil {
		GetRateLimitMetrics().RecordStoreError()
		return nil, fmt.Errorf("fixed window admit %q: %w", key, err)
	}

	limit := int64(l.limit)
	if count > limit {
		retryAfter := windowStart.Add(l.window).Sub(now)
		GetRateLimitMetrics().RecordDecision(algorithmFixedWindow, false)
		l.logger.Debug("rate limit rejection",
			observability.String("key", key),
			observability.Int64("count", count),
			observability.Int("limit", l.limit),
			observability.Duration("retry_after", retryAfter),
		)
		return &Result{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			RetryAfter: retryAfter,
		}, nil
	}

	GetRateLimitMetrics().RecordDecision(algorithmFixedWindow, true)
	return &Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: remaining(limit, count),
	}, nil
}

// Reset implements Limiter. Only the current window is cleared; past
// windows expire on their own.
func (l *FixedWindow) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, l.windowKey(key, l.windowStart(l.now())))
}

// Close implements Limiter.
func (l *FixedWindow) Close() error {
	return l.store.Close()
}

func (l *FixedWindow) windowStart(now time.Time) time.Time {
	w := l.window.Nanoseconds()
	return time.Unix(0, (now.UnixNano()/w)*w)
}

func (l *FixedWindow) windowKey(key string, windowStart time.Time) string {
	return fmt.Sprintf("%s:fw:%d", key, windowStart.UnixNano())
}
