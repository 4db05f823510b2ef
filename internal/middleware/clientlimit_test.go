package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

func TestClientLimiter_BurstThenReject(t *testing.T) {
	t.Parallel()

	cl := NewClientLimiter(1, 3)
	defer cl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, cl.Allow("10.0.0.1"), "request %d should pass", i+1)
	}
	assert.False(t, cl.Allow("10.0.0.1"))

	// A different client has its own bucket.
	assert.True(t, cl.Allow("10.0.0.2"))
}

func TestClientLimiter_Sweep(t *testing.T) {
	t.Parallel()

	cl := NewClientLimiter(1, 1)
	defer cl.Stop()

	cl.Allow("10.0.0.1")
	cl.Allow("10.0.0.2")
	require.Equal(t, 2, cl.Len())

	time.Sleep(20 * time.Millisecond)
	cl.Sweep(10 * time.Millisecond)

	assert.Equal(t, 0, cl.Len())
}

func TestClientRateLimit_Rejects429(t *testing.T) {
	t.Parallel()

	cl := NewClientLimiter(1, 1, WithClientLimiterLogger(observability.NopLogger()))
	defer cl.Stop()

	handler := ClientRateLimit(cl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:4711"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRetryAfter))
	assert.JSONEq(t, ErrTooManyRequests, rec.Body.String())
}

func TestClientRateLimitFromConfig_Disabled(t *testing.T) {
	t.Parallel()

	mw, cl := ClientRateLimitFromConfig(nil, observability.NopLogger())
	assert.Nil(t, cl)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientRateLimitFromConfig_Enabled(t *testing.T) {
	t.Parallel()

	mw, cl := ClientRateLimitFromConfig(&config.ClientRateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 100,
		Burst:             1,
	}, observability.NopLogger())
	require.NotNil(t, cl)
	defer cl.Stop()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
