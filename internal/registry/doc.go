// Package registry maintains the service table the dispatcher routes
// against. A background refresher pulls topology from the configured
// provider (static, etcd, or kubernetes) and publishes it as immutable
// snapshots behind an atomic pointer, so lookups never block on a
// refresh and never observe a half-built instance list. When the
// provider fails, the previous snapshot keeps serving.
//
// Instance objects survive across refreshes as long as their identity
// is stable, which lets the health monitor and in-flight accounting
// operate on the same object the balancer selects.
package registry
