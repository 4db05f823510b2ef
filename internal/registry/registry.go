package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/registry/provider"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// snapshot is one immutable generation of the service table. Readers
// load the pointer once and never observe a partially-built map.
type snapshot struct {
	entries     map[string]*ServiceEntry
	refreshedAt time.Time
}

// Registry maps service names to instance snapshots. Refresh rebuilds
// the table from the active provider and swaps it in atomically;
// Lookup and AllServices are lock-free reads.
type Registry struct {
	provider        provider.Provider
	logger          observability.Logger
	refreshInterval time.Duration

	current atomic.Pointer[snapshot]

	refreshMu sync.Mutex

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRefreshInterval sets the background refresh period.
func WithRefreshInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.refreshInterval = interval
		}
	}
}

// New creates a registry backed by the given provider. The registry
// starts empty; call Refresh or Start to populate it.
func New(p provider.Provider, opts ...Option) *Registry {
	r := &Registry{
		provider:        p,
		logger:          observability.NopLogger(),
		refreshInterval: config.DefaultRefreshInterval,
		stopCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.current.Store(&snapshot{entries: make(map[string]*ServiceEntry)})

	return r
}

// Provider returns the active topology provider.
func (r *Registry) Provider() provider.Provider {
	return r.provider
}

// Refresh rebuilds the service table from the provider and publishes it.
// On a full provider failure the previous snapshot stays published and
// the error is returned to the caller (the background loop logs it and
// keeps serving). A failure for a single service keeps that service's
// previous entry and refreshes the rest.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	start := time.Now()
	m := GetRegistryMetrics()

	services, err := r.provider.Services(ctx)
	if err != nil {
		m.RecordRefresh(refreshResultFailure, time.Since(start))
		return fmt.Errorf("failed to list services: %w", err)
	}

	prev := r.current.Load()
	now := time.Now()
	entries := make(map[string]*ServiceEntry, len(services))

	var firstErr error
	for _, service := range services {
		instances, err := r.provider.ListInstances(ctx, service)
		if err != nil {
			if prevEntry, ok := prev.entries[service]; ok {
				entries[service] = prevEntry
				r.logger.Warn("instance listing failed, keeping previous entry",
					observability.String("service", service),
					observability.Error(err),
				)
			} else {
				r.logger.Warn("instance listing failed for unknown service",
					observability.String("service", service),
					observability.Error(err),
				)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entries[service] = buildEntry(prev.entries[service], service, instances, now)
	}

	r.current.Store(&snapshot{entries: entries, refreshedAt: now})
	r.publishTopologyMetrics(prev.entries, entries)

	if firstErr != nil {
		m.RecordRefresh(refreshResultPartial, time.Since(start))
		return fmt.Errorf("refresh of %s registry completed with errors: %w",
			r.provider.Name(), firstErr)
	}

	m.RecordRefresh(refreshResultSuccess, time.Since(start))
	return nil
}

// Lookup returns the current entry for a service. An unknown service
// name yields a ServiceNotFoundError; a known service with zero healthy
// instances still returns its entry.
func (r *Registry) Lookup(service string) (*ServiceEntry, error) {
	snap := r.current.Load()
	entry, ok := snap.entries[service]
	if !ok {
		return nil, util.NewServiceNotFoundError(service)
	}
	return entry, nil
}

// AllServices returns every entry in the current snapshot, sorted by
// service name.
func (r *Registry) AllServices() []*ServiceEntry {
	snap := r.current.Load()

	entries := make([]*ServiceEntry, 0, len(snap.entries))
	for _, entry := range snap.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Service < entries[j].Service
	})
	return entries
}

// LastRefreshedAt returns when the current snapshot was published, or
// the zero time before the first successful refresh.
func (r *Registry) LastRefreshedAt() time.Time {
	return r.current.Load().refreshedAt
}

// Start launches the background refresher. The first refresh runs
// immediately so the table is primed before traffic arrives.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop stops the background refresher and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.stoppedCh
}

// run is the refresh loop. Providers with the Watcher capability also
// trigger an immediate refresh on change notifications; polling stays
// on as the safety net.
func (r *Registry) run(ctx context.Context) {
	defer close(r.stoppedCh)

	r.refreshLogged(ctx)

	var notifyCh <-chan struct{}
	if w, ok := r.provider.(provider.Watcher); ok {
		ch, err := w.Watch(ctx)
		if err != nil {
			r.logger.Warn("topology watch unavailable, polling only",
				observability.Error(err),
			)
		} else {
			notifyCh = ch
		}
	}

	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.refreshLogged(ctx)
		case _, ok := <-notifyCh:
			if !ok {
				notifyCh = nil
				continue
			}
			r.refreshLogged(ctx)
		}
	}
}

// refreshLogged runs one bounded refresh and logs failures. Refresh
// errors never escape the loop; stale data keeps serving.
func (r *Registry) refreshLogged(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, r.refreshInterval)
	defer cancel()

	if err := r.Refresh(refreshCtx); err != nil {
		r.logger.Error("registry refresh failed, serving previous snapshot",
			observability.String("provider", r.provider.Name()),
			observability.Error(err),
		)
	}
}

// publishTopologyMetrics updates the service and instance gauges and
// drops gauge series for services that left the snapshot.
func (r *Registry) publishTopologyMetrics(prev, next map[string]*ServiceEntry) {
	m := GetRegistryMetrics()

	m.Services.Set(float64(len(next)))
	for service, entry := range next {
		m.Instances.WithLabelValues(service).Set(float64(len(entry.Instances)))
	}
	for service := range prev {
		if _, ok := next[service]; !ok {
			m.Instances.DeleteLabelValues(service)
		}
	}
}

// buildEntry converts provider instances into an entry, reusing the
// previous snapshot's instance objects when identity and weight are
// unchanged. Carrying the same pointers across refreshes preserves the
// health flag and in-flight counts between generations.
func buildEntry(prev *ServiceEntry, service string, instances []provider.Instance, at time.Time) *ServiceEntry {
	var prevByID map[string]*ServiceInstance
	if prev != nil {
		prevByID = make(map[string]*ServiceInstance, len(prev.Instances))
		for _, inst := range prev.Instances {
			prevByID[inst.ID] = inst
		}
	}

	out := make([]*ServiceInstance, 0, len(instances))
	for _, in := range instances {
		if old, ok := prevByID[in.ID]; ok && old.Address == in.Address && old.Weight == in.Weight {
			out = append(out, old)
			continue
		}
		inst := NewServiceInstance(in.ID, in.Address, in.Weight)
		inst.Tags = in.Tags
		if old, ok := prevByID[in.ID]; ok {
			// Same identity on a new address or weight: replace the
			// object but keep the observed health state.
			inst.SetHealthy(old.Healthy())
		}
		out = append(out, inst)
	}

	return NewServiceEntry(service, out, at)
}
