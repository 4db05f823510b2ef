package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/ratelimit/store"
)

// defaultPrecision is the number of sub-windows a sliding window is
// divided into.
const defaultPrecision = 10

// SlidingWindow approximates a rolling window with fixed sub-window
// counters. An admission sums the sub-windows covering the trailing
// window and increments the current one under a per-key lock, so
// in-process decisions for a key are linearizable even though the sum
// spans several store keys. Across processes sharing a Redis store the
// window is approximate, never exceeding limit by more than the
// concurrent in-flight admissions.
type SlidingWindow struct {
	store     store.Store
	limit     int
	window    time.Duration
	precision int
	logger    observability.Logger
	now       func() time.Time
	keyLocks  sync.Map // key -> *sync.Mutex
}

// NewSlidingWindow creates a sliding window limiter allowing limit
// requests per trailing window, counted in s.
func NewSlidingWindow(s store.Store, limit int, window time.Duration, logger observability.Logger) *SlidingWindow {
	return NewSlidingWindowWithPrecision(s, limit, window, defaultPrecision, logger)
}

// NewSlidingWindowWithPrecision creates a sliding window limiter with
// precision sub-windows per window.
func NewSlidingWindowWithPrecision(s store.Store, limit int, window time.Duration, precision int, logger observability.Logger) *SlidingWindow {
	if precision <= 0 {
		precision = defaultPrecision
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SlidingWindow{
		store:     s,
		limit:     limit,
		window:    window,
		precision: precision,
		logger:    logger,
		now:       time.Now,
	}
}

// Admit implements Limiter.
func (l *SlidingWindow) Admit(ctx context.Context, key string) (*Result, error) {
	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	sub := l.subWindowSize()
	current := now.UnixNano() / sub

	// Sum the sub-windows covering the trailing window, keeping the
	// oldest one that still holds counts for the retry hint.
	var count int64
	oldest := current
	for i := int64(0); i < int64(l.precision); i++ {
		idx := current - i
		n, err := l.store.Get(ctx, l.subKey(key, idx))
		if err != nil {
			if store.IsKeyNotFound(err) {
				continue
			}
			GetRateLimitMetrics().RecordStoreError()
			return nil, fmt.Errorf("sliding window admit %q: %w", key, err)
		}
		if n > 0 {
			count += n
			oldest = idx
		}
	}

	limit := int64(l.limit)
	if count >= limit {
		// Capacity frees when the oldest counted sub-window slides out
		// of the trailing window.
		retryAfter := time.Duration((oldest+int64(l.precision))*sub - now.UnixNano())
		GetRateLimitMetrics().RecordDecision(algorithmSlidingWindow, false)
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

	if _, err := l.store.IncrementWithExpiry(ctx, l.subKey(key, current), 1, l.window+time.Second); err != nil {
		GetRateLimitMetrics().RecordStoreError()
		return nil, fmt.Errorf("sliding window admit %q: %w", key, err)
	}

	GetRateLimitMetrics().RecordDecision(algorithmSlidingWindow, true)
	return &Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: remaining(limit, count+1),
	}, nil
}

// Reset implements Limiter. All sub-windows in the trailing window are
// cleared.
func (l *SlidingWindow) Reset(ctx context.Context, key string) error {
	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	sub := l.subWindowSize()
	current := l.now().UnixNano() / sub

	var firstErr error
	for i := int64(0); i < int64(l.precision); i++ {
		if err := l.store.Delete(ctx, l.subKey(key, current-i)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close implements Limiter.
func (l *SlidingWindow) Close() error {
	return l.store.Close()
}

func (l *SlidingWindow) subWindowSize() int64 {
	return l.window.Nanoseconds() / int64(l.precision)
}

func (l *SlidingWindow) subKey(key string, idx int64) string {
	return fmt.Sprintf("%s:sw:%d", key, idx)
}

func (l *SlidingWindow) lockFor(key string) *sync.Mutex {
	mu, _ := l.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
