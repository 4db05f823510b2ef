package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

func TestOverloadBreaker_TripsOn5xxStorm(t *testing.T) {
	t.Parallel()

	ob := NewOverloadBreaker(3, time.Minute, WithOverloadLogger(observability.NopLogger()))
	handler := ob.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusBadGateway, rec.Code)
	}

	require.Equal(t, gobreaker.StateOpen, ob.State())

	// Shed without reaching the handler.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(HeaderRetryAfter))
	assert.JSONEq(t, ErrServiceUnavailable, rec.Body.String())
}

func TestOverloadBreaker_SuccessesKeepItClosed(t *testing.T) {
	t.Parallel()

	ob := NewOverloadBreaker(3, time.Minute)
	handler := ob.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, gobreaker.StateClosed, ob.State())
}

func TestOverloadBreaker_SkipsWebSocketUpgrade(t *testing.T) {
	t.Parallel()

	ob := NewOverloadBreaker(1, time.Minute)
	reached := false
	handler := ob.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, reached)
	// The failing upgrade did not count toward the breaker.
	assert.Equal(t, gobreaker.StateClosed, ob.State())
}

func TestOverloadFromConfig_Disabled(t *testing.T) {
	t.Parallel()

	mw := OverloadFromConfig(&config.OverloadConfig{Enabled: false}, observability.NopLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
