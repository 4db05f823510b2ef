// Package middleware provides the inbound HTTP middleware chain for
// the gateway: request-id injection, access logging, panic recovery,
// per-client token-bucket throttling, and the gateway-wide overload
// breaker. The per-route window rate limiter lives in the dispatcher;
// everything here runs before a route is matched.
package middleware
