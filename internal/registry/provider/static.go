package provider

import (
	"context"
	"sync/atomic"

	"github.com/vyrodovalexey/avdispatch/internal/config"
)

// staticTopology is an immutable view of the configured services.
type staticTopology struct {
	services map[string][]Instance
	names    []string
}

// Static serves the topology embedded in the gateway configuration.
// It performs no I/O. Update swaps the served topology atomically so a
// config reload never tears a concurrent refresh.
type Static struct {
	topology atomic.Pointer[staticTopology]
}

// NewStatic creates a static provider from configuration. A nil config
// yields an empty topology.
func NewStatic(cfg *config.StaticRegistryConfig) *Static {
	s := &Static{}
	s.Update(cfg)
	return s
}

// Update replaces the served topology. Called on config hot reload.
func (s *Static) Update(cfg *config.StaticRegistryConfig) {
	topo := &staticTopology{
		services: make(map[string][]Instance),
		names:    make([]string, 0),
	}

	if cfg != nil {
		for _, svc := range cfg.Services {
			instances := make([]Instance, 0, len(svc.Instances))
			for _, inst := range svc.Instances {
				id := inst.ID
				if id == "" {
					id = inst.Address
				}
				weight := inst.Weight
				if weight == 0 {
					weight = 1
				}
				instances = append(instances, Instance{
					ID:      id,
					Address: inst.Address,
					Weight:  weight,
				})
			}
			topo.services[svc.Name] = instances
			topo.names = append(topo.names, svc.Name)
		}
	}

	s.topology.Store(topo)
}

// Name returns the provider kind.
func (s *Static) Name() string {
	return config.RegistryProviderStatic
}

// Services returns the configured service names in configuration order.
func (s *Static) Services(_ context.Context) ([]string, error) {
	topo := s.topology.Load()
	names := make([]string, len(topo.names))
	copy(names, topo.names)
	return names, nil
}

// ListInstances returns the configured instances of a service.
func (s *Static) ListInstances(_ context.Context, service string) ([]Instance, error) {
	topo := s.topology.Load()
	instances, ok := topo.services[service]
	if !ok {
		return nil, nil
	}
	out := make([]Instance, len(instances))
	copy(out, instances)
	return out, nil
}

// Close is a no-op for the static provider.
func (s *Static) Close() error {
	return nil
}
