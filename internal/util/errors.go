// Error conventions used across the gateway:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNoHealthyInstance.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., RouteNotFoundError, CircuitOpenError).
//     Each type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTimeout           = errors.New("timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrServiceNotFound   = errors.New("service not found")
	ErrNoHealthyInstance = errors.New("no healthy instance")
	ErrUpstreamUnavail   = errors.New("upstream unavailable")
	ErrTranscode         = errors.New("transcode failed")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// RouteNotFoundError reports that no route rule matched a request.
type RouteNotFoundError struct {
	Path   string
	Method string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route found for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Path: path, Method: method}
}

// ServiceNotFoundError reports a lookup for a service name the registry
// has never seen. It is distinct from a known service that currently has
// zero healthy instances.
type ServiceNotFoundError struct {
	Service string
}

// Error implements the error interface.
func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service %s not found in registry", e.Service)
}

// Is checks if the error matches the target.
func (e *ServiceNotFoundError) Is(target error) bool {
	if target == ErrServiceNotFound || target == ErrNotFound {
		return true
	}
	_, ok := target.(*ServiceNotFoundError)
	return ok
}

// NewServiceNotFoundError creates a new ServiceNotFoundError.
func NewServiceNotFoundError(service string) *ServiceNotFoundError {
	return &ServiceNotFoundError{Service: service}
}

// NoHealthyInstanceError reports that a service is known but every
// instance is either unhealthy or rejected by its circuit breaker.
type NoHealthyInstanceError struct {
	Service string
}

// Error implements the error interface.
func (e *NoHealthyInstanceError) Error() string {
	return fmt.Sprintf("no healthy instance available for service %s", e.Service)
}

// Is checks if the error matches the target.
func (e *NoHealthyInstanceError) Is(target error) bool {
	if target == ErrNoHealthyInstance {
		return true
	}
	_, ok := target.(*NoHealthyInstanceError)
	return ok
}

// NewNoHealthyInstanceError creates a new NoHealthyInstanceError.
func NewNoHealthyInstanceError(service string) *NoHealthyInstanceError {
	return &NoHealthyInstanceError{Service: service}
}

// CircuitOpenError is the fast-fail error returned when a circuit
// breaker rejects a request without contacting the instance. RetryAfter
// carries the remaining cooldown for the Retry-After response header.
type CircuitOpenError struct {
	Instance   string
	State      string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Instance, e.State)
}

// Is checks if the error matches the target.
func (e *CircuitOpenError) Is(target error) bool {
	if target == ErrCircuitOpen {
		return true
	}
	_, ok := target.(*CircuitOpenError)
	return ok
}

// NewCircuitOpenError creates a new CircuitOpenError.
func NewCircuitOpenError(instance, state string, retryAfter time.Duration) *CircuitOpenError {
	return &CircuitOpenError{Instance: instance, State: state, RetryAfter: retryAfter}
}

// RateLimitError reports an admission rejected by the rate limiter.
type RateLimitError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit: %d, retry after: %v)", e.Key, e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(key string, limit int, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Key: key, Limit: limit, RetryAfter: retryAfter}
}

// TranscodeError reports an inbound body that does not satisfy the
// target RPC method's input schema. It is a client error: the request
// is rejected before any upstream call and the instance's circuit
// breaker never sees it.
type TranscodeError struct {
	Method  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TranscodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transcode for %s failed: %s: %v", e.Method, e.Message, e.Cause)
	}
	return fmt.Sprintf("transcode for %s failed: %s", e.Method, e.Message)
}

// Unwrap returns the underlying error.
func (e *TranscodeError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TranscodeError) Is(target error) bool {
	if target == ErrTranscode || target == ErrInvalidInput {
		return true
	}
	_, ok := target.(*TranscodeError)
	return ok
}

// NewTranscodeError creates a new TranscodeError.
func NewTranscodeError(method, message string) *TranscodeError {
	return &TranscodeError{Method: method, Message: message}
}

// NewTranscodeErrorWithCause creates a new TranscodeError with a cause.
func NewTranscodeErrorWithCause(method, message string, cause error) *TranscodeError {
	return &TranscodeError{Method: method, Message: message, Cause: cause}
}

// TimeoutError represents a timeout error.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v during %s", e.Duration, e.Operation)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok || errors.Is(e.Cause, target)
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Duration: duration}
}

// UpstreamError represents a connectivity or server-side failure of an
// upstream instance.
type UpstreamError struct {
	Service  string
	Instance string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s/%s error: %s: %v", e.Service, e.Instance, e.Message, e.Cause)
	}
	return fmt.Sprintf("upstream %s/%s error: %s", e.Service, e.Instance, e.Message)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	if target == ErrUpstreamUnavail {
		return true
	}
	_, ok := target.(*UpstreamError)
	return ok || errors.Is(e.Cause, target)
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(service, instance, message string) *UpstreamError {
	return &UpstreamError{Service: service, Instance: instance, Message: message}
}

// NewUpstreamErrorWithCause creates a new UpstreamError with a cause.
func NewUpstreamErrorWithCause(service, instance, message string, cause error) *UpstreamError {
	return &UpstreamError{Service: service, Instance: instance, Message: message, Cause: cause}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsRetryable returns true if a failed attempt may be retried against
// another instance. Circuit-open rejections are excluded: the retry
// controller handles those by excluding the instance, not by blind retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) {
		return true
	}

	if errors.Is(err, ErrUpstreamUnavail) {
		return true
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.StatusCode >= 500
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var upstreamErr *UpstreamError
	return errors.As(err, &upstreamErr)
}

// IsClientError returns true if the error maps to a 4xx response.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotFound) {
		return true
	}

	if errors.Is(err, ErrInvalidInput) {
		return true
	}

	return errors.Is(err, ErrRateLimited)
}

// IsServerError returns true if the error maps to a 5xx response.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrUpstreamUnavail) {
		return true
	}

	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	if errors.Is(err, ErrNoHealthyInstance) {
		return true
	}

	return errors.Is(err, ErrTimeout)
}
