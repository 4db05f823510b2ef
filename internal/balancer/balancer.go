// Package balancer picks upstream instances from registry snapshots.
// Selection filters to healthy instances whose circuit breaker admits
// traffic, then applies the configured strategy. Candidate order is the
// snapshot order, so tie-breaks are deterministic (first wins).
package balancer

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// Gate reports whether an instance may receive traffic right now. The
// dispatcher wires this to the instance's circuit breaker. Rejections
// carry a hint of how long the caller should wait, typically the
// remaining breaker cooldown.
type Gate func(service string, inst *registry.ServiceInstance) (allowed bool, retryAfter time.Duration)

// Balancer selects instances from service entries. It is safe for
// concurrent use; the only state it keeps is one round-robin cursor per
// service.
type Balancer struct {
	gate    Gate
	cursors sync.Map // service name -> *atomic.Uint64
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithGate sets the per-instance admission gate.
func WithGate(gate Gate) Option {
	return func(b *Balancer) {
		b.gate = gate
	}
}

// New creates a Balancer.
func New(opts ...Option) *Balancer {
	b := &Balancer{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Select picks an instance from the entry using the given strategy.
// It returns NoHealthyInstanceError when no instance is healthy, and
// CircuitOpenError when healthy instances exist but every one of them
// is rejected by its breaker.
func (b *Balancer) Select(entry *registry.ServiceEntry, strategy string) (*registry.ServiceInstance, error) {
	return b.SelectExcluding(entry, strategy, nil)
}

// SelectExcluding picks an instance, skipping instances whose ID is in
// exclude. The retry controller uses the exclusion set to route each
// retry to a different instance.
func (b *Balancer) SelectExcluding(entry *registry.ServiceEntry, strategy string, exclude map[string]struct{}) (*registry.ServiceInstance, error) {
	strategy = effectiveStrategy(strategy)

	if entry == nil || len(entry.Instances) == 0 {
		service := ""
		if entry != nil {
			service = entry.Service
		}
		GetBalancerMetrics().RecordNoInstance(service)
		return nil, util.NewNoHealthyInstanceError(service)
	}

	eligible := make([]*registry.ServiceInstance, 0, len(entry.Instances))

	var (
		candidates    int
		gated         int
		minRetryAfter time.Duration
	)

	for _, inst := range entry.Instances {
		if !inst.Healthy() {
			continue
		}
		if _, skip := exclude[inst.ID]; skip {
			continue
		}
		candidates++

		if b.gate != nil {
			if ok, retryAfter := b.gate(entry.Service, inst); !ok {
				gated++
				if minRetryAfter == 0 || (retryAfter > 0 && retryAfter < minRetryAfter) {
					minRetryAfter = retryAfter
				}
				continue
			}
		}

		eligible = append(eligible, inst)
	}

	if len(eligible) == 0 {
		GetBalancerMetrics().RecordNoInstance(entry.Service)
		if candidates > 0 && gated == candidates {
			// Every healthy candidate is breaker-gated. Report the
			// soonest trial so clients get a Retry-After hint.
			return nil, util.NewCircuitOpenError(entry.Service, "open", minRetryAfter)
		}
		return nil, util.NewNoHealthyInstanceError(entry.Service)
	}

	var inst *registry.ServiceInstance
	switch strategy {
	case config.StrategyWeighted:
		inst = pickWeighted(entry, eligible)
	case config.StrategyLeastConn:
		inst = pickLeastConn(eligible)
	case config.StrategyRandom:
		inst = pickRandom(eligible)
	default:
		inst = b.pickRoundRobin(entry.Service, eligible)
	}

	GetBalancerMetrics().RecordSelection(entry.Service, strategy)
	return inst, nil
}

// effectiveStrategy maps unknown strategy names to the default so the
// selection switch and metric labels stay bounded.
func effectiveStrategy(strategy string) string {
	switch strategy {
	case config.StrategyRoundRobin, config.StrategyWeighted, config.StrategyLeastConn, config.StrategyRandom:
		return strategy
	default:
		return config.StrategyRoundRobin
	}
}

// pickRoundRobin advances the per-service cursor and wraps it over the
// eligible set.
func (b *Balancer) pickRoundRobin(service string, eligible []*registry.ServiceInstance) *registry.ServiceInstance {
	cursor := b.cursorFor(service)
	idx := cursor.Add(1) - 1
	return eligible[idx%uint64(len(eligible))]
}

// cursorFor returns the round-robin cursor for a service, creating it
// on first use.
func (b *Balancer) cursorFor(service string) *atomic.Uint64 {
	if value, ok := b.cursors.Load(service); ok {
		return value.(*atomic.Uint64)
	}
	value, _ := b.cursors.LoadOrStore(service, &atomic.Uint64{})
	return value.(*atomic.Uint64)
}

// pickWeighted selects proportionally to instance weight. When the
// whole snapshot is eligible it searches the cumulative weight table
// precomputed at refresh time; otherwise it recomputes over the
// filtered subset.
func pickWeighted(entry *registry.ServiceEntry, eligible []*registry.ServiceInstance) *registry.ServiceInstance {
	if len(eligible) == len(entry.Instances) && entry.TotalWeight() > 0 {
		r := secureRandomInt(entry.TotalWeight())
		return eligible[sort.SearchInts(entry.CumulativeWeights(), r+1)]
	}

	totalWeight := 0
	for _, inst := range eligible {
		totalWeight += inst.Weight
	}
	if totalWeight == 0 {
		return eligible[0]
	}

	r := secureRandomInt(totalWeight)
	for _, inst := range eligible {
		r -= inst.Weight
		if r < 0 {
			return inst
		}
	}
	return eligible[len(eligible)-1]
}

// pickLeastConn returns the eligible instance with the fewest in-flight
// requests. Ties resolve to the earliest candidate.
func pickLeastConn(eligible []*registry.ServiceInstance) *registry.ServiceInstance {
	selected := eligible[0]
	minInflight := selected.Inflight()

	for _, inst := range eligible[1:] {
		if n := inst.Inflight(); n < minInflight {
			minInflight = n
			selected = inst
		}
	}
	return selected
}

// pickRandom returns a uniformly random eligible instance.
func pickRandom(eligible []*registry.ServiceInstance) *registry.ServiceInstance {
	return eligible[secureRandomInt(len(eligible))]
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	// Safe conversion: result of modulo is always < n, which fits in int
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
