// Package util provides shared helpers for the dispatch gateway: the
// cross-cutting error taxonomy, configuration validation primitives,
// HTTP response helpers, and request-scoped context accessors.
package util
