package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"route not found", util.NewRouteNotFoundError("GET", "/x"), http.StatusNotFound},
		{"service not found", util.NewServiceNotFoundError("users"), http.StatusNotFound},
		{"no healthy instance", util.NewNoHealthyInstanceError("users"), http.StatusServiceUnavailable},
		{"circuit open", util.NewCircuitOpenError("users/i1", "open", time.Second), http.StatusServiceUnavailable},
		{"rate limited", util.NewRateLimitError("users:ip:1.2.3.4", 100, time.Second), http.StatusTooManyRequests},
		{"timeout", util.NewTimeoutError("forward", time.Second), http.StatusGatewayTimeout},
		{"deadline exceeded", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"transcode", util.NewTranscodeError("/pkg.Svc/M", "missing field"), http.StatusBadRequest},
		{"config", util.NewConfigError("routes", "bad"), http.StatusInternalServerError},
		{"upstream", util.NewUpstreamError("users", "i1", "connect refused"), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestWriteError_RetryAfter(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeError(rec, observability.NopLogger(), util.NewRateLimitError("k", 10, 1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestWriteError_ClientCancelWritesNothing(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeError(rec, observability.NopLogger(), context.Canceled)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestCeilSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, ceilSeconds(0))
	assert.Equal(t, 1, ceilSeconds(200*time.Millisecond))
	assert.Equal(t, 2, ceilSeconds(1100*time.Millisecond))
	assert.Equal(t, 5, ceilSeconds(5*time.Second))
}
