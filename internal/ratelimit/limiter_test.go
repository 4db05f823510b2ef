package ratelimit

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/ratelimit/store"
)

// fakeClock makes window boundaries deterministic in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore errors every operation.
type failingStore struct {
	err error
}

func (f *failingStore) Get(context.Context, string) (int64, error) {
	return 0, f.err
}

func (f *failingStore) IncrementWithExpiry(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, f.err
}

func (f *failingStore) Delete(context.Context, string) error {
	return f.err
}

func (f *failingStore) Close() error {
	return nil
}

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()

	s := store.NewMemoryStoreWithCleanupInterval(time.Hour)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *config.RateLimitConfig
		wantErr string
	}{
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: "config is required",
		},
		{
			name:    "zero requests",
			cfg:     &config.RateLimitConfig{Window: config.Duration(time.Minute)},
			wantErr: "requests must be positive",
		},
		{
			name:    "zero window",
			cfg:     &config.RateLimitConfig{Requests: 10},
			wantErr: "window must be positive",
		},
		{
			name: "unknown algorithm",
			cfg: &config.RateLimitConfig{
				Requests:  10,
				Window:    config.Duration(time.Minute),
				Algorithm: "leaky_bucket",
			},
			wantErr: "unknown algorithm",
		},
		{
			name: "unknown store",
			cfg: &config.RateLimitConfig{
				Requests: 10,
				Window:   config.Duration(time.Minute),
				Store:    "memcached",
			},
			wantErr: "unknown store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_SelectsAlgorithm(t *testing.T) {
	t.Parallel()

	fixed, err := New(&config.RateLimitConfig{
		Requests: 10,
		Window:   config.Duration(time.Minute),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, fixed.Close())
	})
	assert.IsType(t, &FixedWindow{}, fixed, "fixed window is the default algorithm")

	sliding, err := New(&config.RateLimitConfig{
		Requests:  10,
		Window:    config.Duration(time.Minute),
		Algorithm: config.RateLimitAlgorithmSlidingWindow,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sliding.Close())
	})
	assert.IsType(t, &SlidingWindow{}, sliding)
}

func TestNew_InjectedStoreWinsOverConfig(t *testing.T) {
	t.Parallel()

	// The config names a Redis store with no address; the injected
	// store must make that irrelevant.
	limiter, err := New(&config.RateLimitConfig{
		Requests: 1,
		Window:   config.Duration(time.Minute),
		Store:    config.RateLimitStoreRedis,
	}, WithStore(newTestStore(t)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, limiter.Close())
	})

	res, err := limiter.Admit(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNew_RedisBackedLimiter(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	limiter, err := New(&config.RateLimitConfig{
		Requests: 2,
		Window:   config.Duration(time.Minute),
		Store:    config.RateLimitStoreRedis,
		Redis:    &config.RedisStoreConfig{Address: mr.Addr()},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, limiter.Close())
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := limiter.Admit(ctx, "client")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.Admit(ctx, "client")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}

func TestNewKeyFunc(t *testing.T) {
	t.Parallel()

	t.Run("client ip by default", func(t *testing.T) {
		t.Parallel()

		keyFn := NewKeyFunc(&config.RateLimitConfig{}, "orders")

		r := httptest.NewRequest("GET", "/orders", nil)
		r.RemoteAddr = "10.1.2.3:4567"
		assert.Equal(t, "orders:ip:10.1.2.3", keyFn(r))
	})

	t.Run("client ip honors forwarded header", func(t *testing.T) {
		t.Parallel()

		keyFn := NewKeyFunc(&config.RateLimitConfig{KeyBy: config.RateLimitKeyClientIP}, "orders")

		r := httptest.NewRequest("GET", "/orders", nil)
		r.RemoteAddr = "10.1.2.3:4567"
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 70.41.3.18")
		assert.Equal(t, "orders:ip:203.0.113.9", keyFn(r))
	})

	t.Run("header value", func(t *testing.T) {
		t.Parallel()

		keyFn := NewKeyFunc(&config.RateLimitConfig{
			KeyBy:  config.RateLimitKeyHeader,
			Header: "X-Api-Key",
		}, "orders")

		r := httptest.NewRequest("GET", "/orders", nil)
		r.Header.Set("X-Api-Key", "abc123")
		assert.Equal(t, "orders:hdr:abc123", keyFn(r))
	})

	t.Run("missing header falls back to ip", func(t *testing.T) {
		t.Parallel()

		keyFn := NewKeyFunc(&config.RateLimitConfig{
			KeyBy:  config.RateLimitKeyHeader,
			Header: "X-Api-Key",
		}, "orders")

		r := httptest.NewRequest("GET", "/orders", nil)
		r.RemoteAddr = "10.1.2.3:4567"
		assert.Equal(t, "orders:ip:10.1.2.3", keyFn(r))
	})

	t.Run("route shares one bucket", func(t *testing.T) {
		t.Parallel()

		keyFn := NewKeyFunc(&config.RateLimitConfig{KeyBy: config.RateLimitKeyRoute}, "orders")

		a := httptest.NewRequest("GET", "/orders", nil)
		a.RemoteAddr = "10.1.2.3:4567"
		b := httptest.NewRequest("GET", "/orders", nil)
		b.RemoteAddr = "10.9.9.9:4567"

		assert.Equal(t, "orders:all", keyFn(a))
		assert.Equal(t, keyFn(a), keyFn(b))
	})
}
