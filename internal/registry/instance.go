package registry

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ServiceInstance is one upstream replica of a service. Identity fields
// are immutable after the instance is published in a snapshot; the
// healthy flag and the in-flight counter are the only mutable state and
// are updated atomically. The health monitor owns the healthy flag,
// membership is owned by registry refresh.
type ServiceInstance struct {
	// ID uniquely identifies the instance within its service.
	ID string

	// Address is the "host:port" the instance listens on.
	Address string

	// Weight biases weighted load balancing.
	Weight int

	// Tags carries provider metadata (pod, node, zone).
	Tags map[string]string

	healthy  atomic.Bool
	inflight atomic.Int64
}

// NewServiceInstance creates an instance. Instances start healthy and
// stay that way until the health monitor demotes them, so topologies
// without active probing remain routable.
func NewServiceInstance(id, address string, weight int) *ServiceInstance {
	if weight <= 0 {
		weight = 1
	}
	inst := &ServiceInstance{
		ID:      id,
		Address: address,
		Weight:  weight,
	}
	inst.healthy.Store(true)
	return inst
}

// Healthy reports whether the instance passed its recent health probes.
func (i *ServiceInstance) Healthy() bool {
	return i.healthy.Load()
}

// SetHealthy updates the health flag.
func (i *ServiceInstance) SetHealthy(healthy bool) {
	i.healthy.Store(healthy)
}

// Inflight returns the number of requests currently dispatched to the
// instance.
func (i *ServiceInstance) Inflight() int64 {
	return i.inflight.Load()
}

// IncInflight records a dispatched request.
func (i *ServiceInstance) IncInflight() {
	i.inflight.Add(1)
}

// DecInflight records a completed or failed request.
func (i *ServiceInstance) DecInflight() {
	i.inflight.Add(-1)
}

// URL returns the instance base URL for plain HTTP.
func (i *ServiceInstance) URL() string {
	return "http://" + i.Address
}

// String implements fmt.Stringer.
func (i *ServiceInstance) String() string {
	return fmt.Sprintf("%s (%s)", i.ID, i.Address)
}

// ServiceEntry is an immutable snapshot of one service's instances. A
// request that captured an entry keeps using it even if a concurrent
// refresh publishes a newer one.
type ServiceEntry struct {
	// Service is the logical service name.
	Service string

	// Instances in provider order. The slice must not be mutated.
	Instances []*ServiceInstance

	// RefreshedAt is when this entry was built.
	RefreshedAt time.Time

	cumWeights  []int
	totalWeight int
}

// NewServiceEntry builds an entry and precomputes the cumulative weight
// table used by weighted selection.
func NewServiceEntry(service string, instances []*ServiceInstance, refreshedAt time.Time) *ServiceEntry {
	entry := &ServiceEntry{
		Service:     service,
		Instances:   instances,
		RefreshedAt: refreshedAt,
		cumWeights:  make([]int, len(instances)),
	}

	total := 0
	for idx, inst := range instances {
		total += inst.Weight
		entry.cumWeights[idx] = total
	}
	entry.totalWeight = total

	return entry
}

// CumulativeWeights returns the precomputed running weight totals, one
// per instance. The returned slice is shared and read-only.
func (e *ServiceEntry) CumulativeWeights() []int {
	return e.cumWeights
}

// TotalWeight returns the sum of all instance weights.
func (e *ServiceEntry) TotalWeight() int {
	return e.totalWeight
}

// HealthyCount returns the number of currently healthy instances.
func (e *ServiceEntry) HealthyCount() int {
	n := 0
	for _, inst := range e.Instances {
		if inst.Healthy() {
			n++
		}
	}
	return n
}
