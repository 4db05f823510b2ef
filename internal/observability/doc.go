// Package observability provides structured logging and Prometheus metrics
// for the dispatch core. The Logger interface wraps zap so that components
// depend on a narrow contract rather than a concrete logging library, and
// the Metrics bundle aggregates the request-level counters and histograms
// exposed on the metrics endpoint.
package observability
