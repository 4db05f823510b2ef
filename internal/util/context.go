package util

import (
	"context"
	"sync"
	"time"
)

// Context keys.
type ctxKey string

const (
	ctxKeyStartTime  ctxKey = "start_time"
	ctxKeyRoute      ctxKey = "route"
	ctxKeyInstance   ctxKey = "instance"
	ctxKeyPathParams ctxKey = "path_params"
	ctxKeyScope      ctxKey = "request_scope"
)

// RequestScope is a mutable per-request carrier. Middleware installs it
// before the handler runs, so values recorded deeper in the chain (the
// matched route, the chosen instance) are visible to outer middleware
// after the handler returns, even though contexts only flow downward.
type RequestScope struct {
	mu       sync.Mutex
	route    string
	instance string
}

// ContextWithRequestScope installs a fresh RequestScope and returns the
// derived context together with the scope.
func ContextWithRequestScope(ctx context.Context) (context.Context, *RequestScope) {
	scope := &RequestScope{}
	return context.WithValue(ctx, ctxKeyScope, scope), scope
}

// RequestScopeFromContext returns the installed RequestScope, or nil.
func RequestScopeFromContext(ctx context.Context) *RequestScope {
	if v, ok := ctx.Value(ctxKeyScope).(*RequestScope); ok {
		return v
	}
	return nil
}

// Route returns the recorded route name.
func (s *RequestScope) Route() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// Instance returns the recorded upstream instance.
func (s *RequestScope) Instance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

func (s *RequestScope) setRoute(route string) {
	s.mu.Lock()
	s.route = route
	s.mu.Unlock()
}

func (s *RequestScope) setInstance(instance string) {
	s.mu.Lock()
	s.instance = instance
	s.mu.Unlock()
}

// ContextWithStartTime adds a start time to the context.
func ContextWithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ctxKeyStartTime, t)
}

// StartTimeFromContext extracts the start time from context.
func StartTimeFromContext(ctx context.Context) time.Time {
	if v, ok := ctx.Value(ctxKeyStartTime).(time.Time); ok {
		return v
	}
	return time.Time{}
}

// ContextWithRoute adds a route name to the context. When a
// RequestScope is installed the name is also recorded there.
func ContextWithRoute(ctx context.Context, route string) context.Context {
	if scope := RequestScopeFromContext(ctx); scope != nil {
		scope.setRoute(route)
	}
	return context.WithValue(ctx, ctxKeyRoute, route)
}

// RouteFromContext extracts the route name from context, falling back
// to the RequestScope for callers above the point where it was set.
func RouteFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRoute).(string); ok {
		return v
	}
	if scope := RequestScopeFromContext(ctx); scope != nil {
		return scope.Route()
	}
	return ""
}

// ContextWithInstance records the upstream instance chosen for a
// request. When a RequestScope is installed the instance is also
// recorded there.
func ContextWithInstance(ctx context.Context, instance string) context.Context {
	if scope := RequestScopeFromContext(ctx); scope != nil {
		scope.setInstance(instance)
	}
	return context.WithValue(ctx, ctxKeyInstance, instance)
}

// InstanceFromContext extracts the chosen upstream instance from
// context, falling back to the RequestScope.
func InstanceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyInstance).(string); ok {
		return v
	}
	if scope := RequestScopeFromContext(ctx); scope != nil {
		return scope.Instance()
	}
	return ""
}

// ContextWithPathParams adds path parameters to the context.
func ContextWithPathParams(ctx context.Context, params map[string]string) context.Context {
	return context.WithValue(ctx, ctxKeyPathParams, params)
}

// PathParamsFromContext extracts path parameters from context.
func PathParamsFromContext(ctx context.Context) map[string]string {
	if v, ok := ctx.Value(ctxKeyPathParams).(map[string]string); ok {
		return v
	}
	return nil
}

// ElapsedTime returns the elapsed time since the start time in context.
func ElapsedTime(ctx context.Context) time.Duration {
	startTime := StartTimeFromContext(ctx)
	if startTime.IsZero() {
		return 0
	}
	return time.Since(startTime)
}
