// Package proxy forwards single request attempts to chosen upstream
// instances. It carries no routing or selection logic: the dispatcher
// matches the route, picks an instance, and calls Forward once per
// attempt, so the retry controller can re-issue the same request
// against a different instance.
//
// Two forwarding modes share the Forward contract. Passthrough relays
// the HTTP request over a pooled transport, stripping hop-by-hop
// headers and stamping the X-Forwarded-* chain. Transcode decodes a
// JSON body against the route's RPC input schema, invokes the method
// over gRPC, and re-encodes the response as JSON.
//
// Errors are classified for the circuit breaker. Transport failures,
// deadline hits, and upstream 5xx responses are instance failures.
// Schema violations are client errors raised before any upstream
// contact, so they never count against an instance.
package proxy
