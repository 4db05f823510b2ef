// Package retry drives bounded re-dispatch of failed idempotent
// requests.
//
// A Controller wraps a proxy.Forwarder. For each request it selects an
// instance, forwards once, and on an instance-attributable failure
// selects a different instance and tries again after an exponential
// backoff with jitter. Request-local failures are never retried, and
// the controller stops as soon as selection reports that no further
// candidate is available. All attempts share the inbound request's
// deadline; a retry never extends it.
package retry
