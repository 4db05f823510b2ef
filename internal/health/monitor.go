// Package health actively probes upstream instances and flips their
// healthy flag. The monitor never touches registry membership; an
// instance that fails its probes stays in the snapshot and is skipped
// by the balancer until it recovers.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
)

// DefaultMaxConcurrentProbes bounds the probe goroutines per round.
const DefaultMaxConcurrentProbes = 16

// StatusFunc is called when an instance's health status changes.
type StatusFunc func(service string, instance *registry.ServiceInstance, healthy bool)

// probeCounts tracks consecutive probe outcomes for one instance.
type probeCounts struct {
	service   string
	healthy   int
	unhealthy int
}

// Monitor periodically probes every instance in the registry snapshot.
// Consecutive successes and failures are counted against thresholds so
// a single flapping probe does not flip routing decisions.
type Monitor struct {
	registry *registry.Registry
	cfg      *config.HealthCheckConfig
	client   *http.Client
	logger   observability.Logger

	healthyThreshold   int
	unhealthyThreshold int
	maxConcurrent      int
	onStatusChange     StatusFunc

	counts map[*registry.ServiceInstance]*probeCounts

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
}

// MonitorOption is a functional option for configuring the monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger for the monitor.
func WithMonitorLogger(logger observability.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithProbeClient sets the HTTP client used for probes.
func WithProbeClient(client *http.Client) MonitorOption {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithStatusCallback sets a callback invoked on health transitions.
func WithStatusCallback(fn StatusFunc) MonitorOption {
	return func(m *Monitor) {
		m.onStatusChange = fn
	}
}

// WithMaxConcurrentProbes bounds the number of in-flight probes.
func WithMaxConcurrentProbes(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.maxConcurrent = n
		}
	}
}

// NewMonitor creates a monitor over the given registry. A nil config
// uses the probing defaults.
func NewMonitor(reg *registry.Registry, cfg *config.HealthCheckConfig, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry:           reg,
		cfg:                cfg,
		logger:             observability.NopLogger(),
		healthyThreshold:   cfg.GetEffectiveHealthyThreshold(),
		unhealthyThreshold: cfg.GetEffectiveUnhealthyThreshold(),
		maxConcurrent:      DefaultMaxConcurrentProbes,
		counts:             make(map[*registry.ServiceInstance]*probeCounts),
		stopCh:             make(chan struct{}),
		stoppedCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		m.client = &http.Client{
			Timeout: cfg.GetEffectiveTimeout().Duration(),
		}
	}

	return m
}

// Start launches the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.stoppedCh
}

// IsRunning reports whether the probe loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// run is the main probe loop.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.stoppedCh)

	interval := m.cfg.GetEffectiveInterval().Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.checkAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

// checkAll probes every instance in the current snapshot with bounded
// concurrency, then drops counters for instances that left the
// topology.
func (m *Monitor) checkAll(ctx context.Context) {
	entries := m.registry.AllServices()

	seen := make(map[*registry.ServiceInstance]struct{})
	sem := make(chan struct{}, m.maxConcurrent)
	var wg sync.WaitGroup

	for _, entry := range entries {
		for _, inst := range entry.Instances {
			seen[inst] = struct{}{}

			wg.Add(1)
			sem <- struct{}{}
			go func(service string, inst *registry.ServiceInstance) {
				defer wg.Done()
				defer func() { <-sem }()
				m.probe(ctx, service, inst)
			}(entry.Service, inst)
		}
	}

	wg.Wait()
	m.prune(seen)
}

// probe issues one liveness request. Any transport error or non-2xx
// status counts as a failure.
func (m *Monitor) probe(ctx context.Context, service string, inst *registry.ServiceInstance) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	url := inst.URL() + m.cfg.GetEffectivePath()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		m.recordFailure(service, inst, err)
		return
	}

	hm := GetHealthMetrics()

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		m.recordFailure(service, inst, err)
		hm.RecordProbe(service, probeResultFailure, duration)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		m.recordSuccess(service, inst)
		hm.RecordProbe(service, probeResultSuccess, duration)
	} else {
		m.recordFailure(service, inst, nil)
		hm.RecordProbe(service, probeResultFailure, duration)
	}
}

// recordSuccess counts a successful probe and promotes the instance
// once the healthy threshold is reached.
func (m *Monitor) recordSuccess(service string, inst *registry.ServiceInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.countsFor(service, inst)
	c.healthy++
	c.unhealthy = 0

	if c.healthy >= m.healthyThreshold && !inst.Healthy() {
		inst.SetHealthy(true)
		m.logger.Info("instance became healthy",
			observability.String("service", service),
			observability.String("instance", inst.ID),
			observability.String("address", inst.Address),
		)
		if m.onStatusChange != nil {
			m.onStatusChange(service, inst, true)
		}
	}

	GetHealthMetrics().SetInstanceHealth(service, inst.ID, inst.Healthy())
}

// recordFailure counts a failed probe and demotes the instance once the
// unhealthy threshold is reached.
func (m *Monitor) recordFailure(service string, inst *registry.ServiceInstance, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.countsFor(service, inst)
	c.unhealthy++
	c.healthy = 0

	if c.unhealthy >= m.unhealthyThreshold && inst.Healthy() {
		inst.SetHealthy(false)
		m.logger.Warn("instance became unhealthy",
			observability.String("service", service),
			observability.String("instance", inst.ID),
			observability.String("address", inst.Address),
			observability.Error(err),
		)
		if m.onStatusChange != nil {
			m.onStatusChange(service, inst, false)
		}
	}

	GetHealthMetrics().SetInstanceHealth(service, inst.ID, inst.Healthy())
}

// countsFor returns the counter entry for an instance, creating it on
// first probe. Caller holds mu.
func (m *Monitor) countsFor(service string, inst *registry.ServiceInstance) *probeCounts {
	c, ok := m.counts[inst]
	if !ok {
		c = &probeCounts{service: service}
		m.counts[inst] = c
	}
	return c
}

// prune drops counters and gauge series for instances that are no
// longer part of the snapshot.
func (m *Monitor) prune(seen map[*registry.ServiceInstance]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for inst, c := range m.counts {
		if _, ok := seen[inst]; ok {
			continue
		}
		GetHealthMetrics().DeleteInstanceHealth(c.service, inst.ID)
		delete(m.counts, inst)
	}
}
