package middleware

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// overloadBreakerName labels the single gateway-wide breaker.
const overloadBreakerName = "gateway"

// OverloadBreaker sheds inbound traffic when the dispatch pipeline as a
// whole keeps answering 5xx. It is distinct from the per-instance
// breakers: those isolate one bad upstream, this one protects the
// gateway itself from a cascading failure storm.
type OverloadBreaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// OverloadOption configures the OverloadBreaker.
type OverloadOption func(*OverloadBreaker)

// WithOverloadLogger sets the logger.
func WithOverloadLogger(logger observability.Logger) OverloadOption {
	return func(ob *OverloadBreaker) {
		if logger != nil {
			ob.logger = logger
		}
	}
}

// NewOverloadBreaker creates a breaker tripping after threshold
// requests in the rolling interval fail at a rate of one half or more,
// staying open for timeout before probing again.
func NewOverloadBreaker(threshold int, timeout time.Duration, opts ...OverloadOption) *OverloadBreaker {
	ob := &OverloadBreaker{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(ob)
	}

	thresholdU32 := safeIntToUint32(threshold)

	ob.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        overloadBreakerName,
		MaxRequests: thresholdU32,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= thresholdU32 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ob.logger.Warn("overload breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			GetMiddlewareMetrics().RecordOverloadTransition(from.String(), to.String())
		},
	})

	return ob
}

// safeIntToUint32 clamps n into the uint32 range.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// State returns the current breaker state.
func (ob *OverloadBreaker) State() gobreaker.State {
	return ob.cb.State()
}

// Middleware wraps next so 5xx responses count against the breaker and
// an open breaker sheds requests with a 503 before they reach next.
// WebSocket upgrades bypass the breaker: the relay needs the raw
// connection and its lifetime says nothing about gateway health.
func (ob *OverloadBreaker) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			rw := util.NewStatusCapturingResponseWriter(w)

			_, err := ob.cb.Execute(func() (interface{}, error) {
				next.ServeHTTP(rw, r)

				if rw.StatusCode >= http.StatusInternalServerError {
					return nil, util.NewServerError(rw.StatusCode)
				}
				return nil, nil
			})

			if err == nil {
				return
			}

			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				ob.logger.Warn("overload breaker shed request",
					observability.String("path", r.URL.Path),
					observability.String("state", ob.cb.State().String()),
				)
				GetMiddlewareMetrics().RecordOverloadShed()

				if !rw.HeaderWritten {
					w.Header().Set(HeaderContentType, ContentTypeJSON)
					w.Header().Set(HeaderRetryAfter, "1")
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = io.WriteString(w, ErrServiceUnavailable)
				}
			}
			// Server errors already wrote their response downstream.
		})
	}
}

// OverloadFromConfig builds the overload middleware from config. A nil
// or disabled config yields a pass-through middleware.
func OverloadFromConfig(
	cfg *config.OverloadConfig,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	if cfg == nil || !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = config.DefaultBreakerFailureThreshold
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultBreakerCooldown
	}

	return NewOverloadBreaker(threshold, timeout, WithOverloadLogger(logger)).Middleware()
}

// isWebSocketUpgrade reports whether the request asks for a WebSocket
// upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
