package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxCASRetries bounds the compare-and-swap loop under contention.
const maxCASRetries = 100

// defaultCleanupInterval is how often expired counters are swept.
const defaultCleanupInterval = time.Minute

// entry is a counter value with its expiration.
type entry struct {
	value      int64
	expiration time.Time
}

// MemoryStore is an in-process Store backed by a sync.Map. Counters
// are updated through compare-and-swap loops, so concurrent increments
// for the same key never lose updates.
type MemoryStore struct {
	data    sync.Map // key -> *entry
	cleanup *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewMemoryStore creates an in-process counter store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(defaultCleanupInterval)
}

// NewMemoryStoreWithCleanupInterval creates an in-process counter
// store that sweeps expired entries every interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}

	go s.runCleanup()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return 0, &ErrKeyNotFound{Key: key}
	}

	e := value.(*entry)
	if !e.expiration.IsZero() && time.Now().After(e.expiration) {
		s.data.Delete(key)
		return 0, &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			newEntry := &entry{value: delta, expiration: exp}
			actual, loaded := s.data.LoadOrStore(key, newEntry)
			if !loaded {
				return delta, nil
			}
			// Another goroutine created the key first.
			value = actual
		}

		e := value.(*entry)

		if !e.expiration.IsZero() && time.Now().After(e.expiration) {
			// Expired; restart the counter with a fresh deadline.
			newEntry := &entry{value: delta, expiration: exp}
			if s.data.CompareAndSwap(key, e, newEntry) {
				return delta, nil
			}
			continue
		}

		// Live entry keeps its original deadline.
		newEntry := &entry{value: e.value + delta, expiration: e.expiration}
		if s.data.CompareAndSwap(key, e, newEntry) {
			return newEntry.value, nil
		}
	}

	return 0, fmt.Errorf("increment %q: max CAS retries (%d) exceeded", key, maxCASRetries)
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.data.Delete(key)
	return nil
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cleanup.Stop()
	close(s.done)

	return nil
}

// Size returns the number of live entries, counting expired ones the
// sweeper has not reached yet.
func (s *MemoryStore) Size() int {
	count := 0
	s.data.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (s *MemoryStore) runCleanup() {
	for {
		select {
		case <-s.cleanup.C:
			s.sweepExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweepExpired() {
	now := time.Now()

	s.data.Range(func(key, value any) bool {
		e := value.(*entry)
		if !e.expiration.IsZero() && now.After(e.expiration) {
			s.data.Delete(key)
		}
		return true
	})
}
