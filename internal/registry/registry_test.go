package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/registry/provider"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// fakeProvider is a scriptable topology source for registry tests.
type fakeProvider struct {
	mu        sync.Mutex
	order     []string
	instances map[string][]provider.Instance
	failAll   bool
	failSvc   map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		instances: make(map[string][]provider.Instance),
		failSvc:   make(map[string]bool),
	}
}

func (f *fakeProvider) set(service string, instances ...provider.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[service]; !ok {
		f.order = append(f.order, service)
	}
	f.instances[service] = instances
}

func (f *fakeProvider) remove(service string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, service)
	for i, name := range f.order {
		if name == service {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func (f *fakeProvider) setFailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

func (f *fakeProvider) setFailService(service string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSvc[service] = fail
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Services(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("topology source unavailable")
	}
	names := make([]string, len(f.order))
	copy(names, f.order)
	return names, nil
}

func (f *fakeProvider) ListInstances(_ context.Context, service string) ([]provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failSvc[service] {
		return nil, fmt.Errorf("listing %s failed", service)
	}
	out := make([]provider.Instance, len(f.instances[service]))
	copy(out, f.instances[service])
	return out, nil
}

func (f *fakeProvider) Close() error { return nil }

// watchingProvider adds the Watcher capability to fakeProvider.
type watchingProvider struct {
	*fakeProvider
	notifyCh chan struct{}
}

func newWatchingProvider() *watchingProvider {
	return &watchingProvider{
		fakeProvider: newFakeProvider(),
		notifyCh:     make(chan struct{}, 1),
	}
}

func (w *watchingProvider) Watch(_ context.Context) (<-chan struct{}, error) {
	return w.notifyCh, nil
}

func (w *watchingProvider) notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func TestRegistry_RefreshAndLookup(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("users",
		provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 3},
		provider.Instance{ID: "users-2", Address: "10.0.0.2:8080", Weight: 1},
	)

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))

	entry, err := reg.Lookup("users")
	require.NoError(t, err)
	assert.Equal(t, "users", entry.Service)
	require.Len(t, entry.Instances, 2)
	assert.Equal(t, "users-1", entry.Instances[0].ID)
	assert.Equal(t, "10.0.0.1:8080", entry.Instances[0].Address)
	assert.Equal(t, 3, entry.Instances[0].Weight)
	assert.True(t, entry.Instances[0].Healthy())
	assert.False(t, entry.RefreshedAt.IsZero())
}

func TestRegistry_LookupUnknownService(t *testing.T) {
	t.Parallel()

	reg := New(newFakeProvider())
	require.NoError(t, reg.Refresh(context.Background()))

	entry, err := reg.Lookup("missing")
	assert.Nil(t, entry)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrServiceNotFound))

	var notFound *util.ServiceNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "missing", notFound.Service)
}

func TestRegistry_ZeroInstancesIsNotNotFound(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("empty")

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))

	entry, err := reg.Lookup("empty")
	require.NoError(t, err)
	assert.Empty(t, entry.Instances)
}

func TestRegistry_FailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("users", provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1})

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))
	refreshedAt := reg.LastRefreshedAt()

	prov.setFailAll(true)
	err := reg.Refresh(context.Background())
	require.Error(t, err)

	entry, lookupErr := reg.Lookup("users")
	require.NoError(t, lookupErr)
	require.Len(t, entry.Instances, 1)
	assert.Equal(t, "users-1", entry.Instances[0].ID)
	assert.Equal(t, refreshedAt, reg.LastRefreshedAt())
}

func TestRegistry_PartialFailureKeepsStaleEntry(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("users", provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1})
	prov.set("orders", provider.Instance{ID: "orders-1", Address: "10.0.1.1:8080", Weight: 1})

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))

	prov.set("users",
		provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1},
		provider.Instance{ID: "users-2", Address: "10.0.0.2:8080", Weight: 1},
	)
	prov.setFailService("orders", true)

	err := reg.Refresh(context.Background())
	require.Error(t, err)

	users, err := reg.Lookup("users")
	require.NoError(t, err)
	assert.Len(t, users.Instances, 2, "healthy service should refresh")

	orders, err := reg.Lookup("orders")
	require.NoError(t, err)
	require.Len(t, orders.Instances, 1, "failing service should keep its stale entry")
	assert.Equal(t, "orders-1", orders.Instances[0].ID)
}

func TestRegistry_CarriesHealthStateAcrossRefreshes(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("users",
		provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1},
		provider.Instance{ID: "users-2", Address: "10.0.0.2:8080", Weight: 1},
	)

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))

	entry, err := reg.Lookup("users")
	require.NoError(t, err)
	entry.Instances[0].SetHealthy(false)
	entry.Instances[1].IncInflight()

	require.NoError(t, reg.Refresh(context.Background()))

	after, err := reg.Lookup("users")
	require.NoError(t, err)
	assert.Same(t, entry.Instances[0], after.Instances[0], "unchanged instance should be reused")
	assert.False(t, after.Instances[0].Healthy())
	assert.Equal(t, int64(1), after.Instances[1].Inflight())
}

func TestRegistry_ReplacedInstanceKeepsHealthState(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("users", provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1})

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))

	before, err := reg.Lookup("users")
	require.NoError(t, err)
	before.Instances[0].SetHealthy(false)

	// Same id moves to a new address.
	prov.set("users", provider.Instance{ID: "users-1", Address: "10.0.0.9:8080", Weight: 1})
	require.NoError(t, reg.Refresh(context.Background()))

	after, err := reg.Lookup("users")
	require.NoError(t, err)
	assert.NotSame(t, before.Instances[0], after.Instances[0])
	assert.Equal(t, "10.0.0.9:8080", after.Instances[0].Address)
	assert.False(t, after.Instances[0].Healthy())
}

func TestRegistry_SnapshotImmutableUnderRefresh(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("users", provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1})

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))

	held, err := reg.Lookup("users")
	require.NoError(t, err)

	prov.set("users",
		provider.Instance{ID: "users-2", Address: "10.0.0.2:8080", Weight: 1},
	)
	require.NoError(t, reg.Refresh(context.Background()))

	// The captured entry still describes the old generation.
	require.Len(t, held.Instances, 1)
	assert.Equal(t, "users-1", held.Instances[0].ID)

	fresh, err := reg.Lookup("users")
	require.NoError(t, err)
	require.Len(t, fresh.Instances, 1)
	assert.Equal(t, "users-2", fresh.Instances[0].ID)
}

func TestRegistry_RemovedServiceBecomesNotFound(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("users", provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1})
	prov.set("orders", provider.Instance{ID: "orders-1", Address: "10.0.1.1:8080", Weight: 1})

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))

	prov.remove("orders")
	require.NoError(t, reg.Refresh(context.Background()))

	_, err := reg.Lookup("orders")
	assert.True(t, errors.Is(err, util.ErrServiceNotFound))
}

func TestRegistry_AllServicesSorted(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("zebra", provider.Instance{ID: "z-1", Address: "10.0.0.1:8080", Weight: 1})
	prov.set("alpha", provider.Instance{ID: "a-1", Address: "10.0.0.2:8080", Weight: 1})
	prov.set("mango", provider.Instance{ID: "m-1", Address: "10.0.0.3:8080", Weight: 1})

	reg := New(prov)
	require.NoError(t, reg.Refresh(context.Background()))

	entries := reg.AllServices()
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha", entries[0].Service)
	assert.Equal(t, "mango", entries[1].Service)
	assert.Equal(t, "zebra", entries[2].Service)
}

func TestRegistry_BackgroundRefresh(t *testing.T) {
	t.Parallel()

	prov := newFakeProvider()
	prov.set("users", provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1})

	reg := New(prov, WithRefreshInterval(20*time.Millisecond))
	reg.Start(context.Background())
	defer reg.Stop()

	assert.Eventually(t, func() bool {
		_, err := reg.Lookup("users")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "initial refresh should prime the table")

	prov.set("users",
		provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1},
		provider.Instance{ID: "users-2", Address: "10.0.0.2:8080", Weight: 1},
	)

	assert.Eventually(t, func() bool {
		entry, err := reg.Lookup("users")
		return err == nil && len(entry.Instances) == 2
	}, 5*time.Second, 10*time.Millisecond, "poll should pick up the new instance")
}

func TestRegistry_WatchTriggersImmediateRefresh(t *testing.T) {
	t.Parallel()

	prov := newWatchingProvider()
	prov.set("users", provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1})

	// A one-minute poll interval makes sure only the watch can deliver
	// the update within the test window.
	reg := New(prov, WithRefreshInterval(time.Minute))
	reg.Start(context.Background())
	defer reg.Stop()

	assert.Eventually(t, func() bool {
		_, err := reg.Lookup("users")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	prov.set("users",
		provider.Instance{ID: "users-1", Address: "10.0.0.1:8080", Weight: 1},
		provider.Instance{ID: "users-2", Address: "10.0.0.2:8080", Weight: 1},
	)
	prov.notify()

	assert.Eventually(t, func() bool {
		entry, err := reg.Lookup("users")
		return err == nil && len(entry.Instances) == 2
	}, 5*time.Second, 10*time.Millisecond, "watch notification should trigger a refresh")
}

func TestRegistry_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := New(newFakeProvider(), WithRefreshInterval(10*time.Millisecond))
	reg.Start(context.Background())
	reg.Start(context.Background())
	reg.Stop()
	reg.Stop()
}

func TestRegistry_DefaultRefreshInterval(t *testing.T) {
	t.Parallel()

	reg := New(newFakeProvider())
	assert.Equal(t, config.DefaultRefreshInterval, reg.refreshInterval)

	reg = New(newFakeProvider(), WithRefreshInterval(0))
	assert.Equal(t, config.DefaultRefreshInterval, reg.refreshInterval)
}
