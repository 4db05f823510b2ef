package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// Gateway lifecycle errors.
var (
	// ErrNilConfig is returned when the gateway is created without a
	// configuration.
	ErrNilConfig = errors.New("config cannot be nil")

	// ErrNilRegistry is returned when the gateway is created without a
	// service registry.
	ErrNilRegistry = errors.New("registry cannot be nil")

	// ErrGatewayRunning is returned when Start is called twice.
	ErrGatewayRunning = errors.New("gateway is already running")

	// ErrGatewayNotRunning is returned when Stop is called before Start.
	ErrGatewayNotRunning = errors.New("gateway is not running")
)

// errorBody is the JSON error envelope written to clients.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusFor maps a dispatch error to the client-facing HTTP status.
func statusFor(err error) int {
	var (
		routeErr     *util.RouteNotFoundError
		svcErr       *util.ServiceNotFoundError
		noInstErr    *util.NoHealthyInstanceError
		openErr      *util.CircuitOpenError
		limitErr     *util.RateLimitError
		transcodeErr *util.TranscodeError
		timeoutErr   *util.TimeoutError
		configErr    *util.ConfigError
	)

	switch {
	case errors.As(err, &routeErr), errors.As(err, &svcErr):
		return http.StatusNotFound
	case errors.As(err, &limitErr):
		return http.StatusTooManyRequests
	case errors.As(err, &openErr), errors.As(err, &noInstErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeoutErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, util.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &transcodeErr):
		return http.StatusBadRequest
	case errors.As(err, &configErr):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// retryAfterFor extracts the Retry-After hint from breaker and limiter
// rejections, zero otherwise.
func retryAfterFor(err error) time.Duration {
	var openErr *util.CircuitOpenError
	if errors.As(err, &openErr) {
		return openErr.RetryAfter
	}
	var limitErr *util.RateLimitError
	if errors.As(err, &limitErr) {
		return limitErr.RetryAfter
	}
	return 0
}

// clientMessage is the error text sent to the client. Upstream detail
// stays in the logs; clients get the category only.
func clientMessage(status int) string {
	switch status {
	case http.StatusNotFound:
		return "no route or service matches the request"
	case http.StatusTooManyRequests:
		return "rate limit exceeded"
	case http.StatusServiceUnavailable:
		return "no upstream instance is available"
	case http.StatusGatewayTimeout:
		return "upstream did not answer in time"
	case http.StatusBadRequest:
		return "request body could not be converted for the upstream"
	default:
		return "upstream request failed"
	}
}

// writeError renders err as a JSON error response. Client cancellation
// writes nothing; the connection is already gone.
func writeError(w http.ResponseWriter, logger observability.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	status := statusFor(err)

	if retryAfter := retryAfterFor(err); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(retryAfter)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := errorBody{
		Error:   http.StatusText(status),
		Message: clientMessage(status),
	}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		logger.Debug("failed to write error response",
			observability.Error(encErr),
		)
	}
}

// ceilSeconds rounds a duration up to whole seconds, at least one so
// the Retry-After header is never zero.
func ceilSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
