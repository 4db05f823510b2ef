// Package store provides the shared counters behind rate limit
// admission. Every decision reads and writes through a Store so that
// concurrent requests for the same key observe one source of truth,
// whether the store is in-process or Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is a counter store keyed by admission key.
type Store interface {
	// Get returns the current value for key. Missing or expired keys
	// yield ErrKeyNotFound.
	Get(ctx context.Context, key string) (int64, error)

	// IncrementWithExpiry atomically adds delta to key and returns the
	// new value. The expiration is applied when the increment creates
	// the key; later increments keep the original deadline.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Close releases the store's resources.
	Close() error
}

// ErrKeyNotFound reports a missing counter.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// IsKeyNotFound reports whether err is an ErrKeyNotFound.
func IsKeyNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}
