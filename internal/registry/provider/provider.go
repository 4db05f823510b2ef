// Package provider implements the topology sources the service registry
// refreshes from: static configuration, an etcd catalog, and Kubernetes
// endpoints. All providers return the same instance contract so the
// registry never knows which source is active.
package provider

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

// Instance is one upstream replica as reported by a topology source.
type Instance struct {
	// ID uniquely identifies the instance within its service.
	ID string

	// Address is the "host:port" the instance listens on.
	Address string

	// Weight biases weighted load balancing. Sources that carry no
	// weight report 1.
	Weight int

	// Tags carries source-specific metadata (labels, zone, version).
	Tags map[string]string
}

// Provider lists services and their instances from a topology source.
type Provider interface {
	// Name returns the provider kind (static, etcd, kubernetes).
	Name() string

	// Services returns the names of all services the source knows.
	Services(ctx context.Context) ([]string, error)

	// ListInstances returns the instances registered for a service.
	// An unknown service yields an empty slice, not an error.
	ListInstances(ctx context.Context, service string) ([]Instance, error)

	// Close releases any connections held by the provider.
	Close() error
}

// Watcher is an optional capability. Providers that can observe topology
// changes implement it; the registry refreshes immediately on a
// notification instead of waiting for the next poll tick. Notifications
// are coalesced, a single signal may cover many changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// FromConfig builds the provider selected by the registry configuration.
func FromConfig(cfg *config.Registry, logger observability.Logger) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("registry configuration is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Provider {
	case config.RegistryProviderStatic:
		return NewStatic(cfg.Static), nil
	case config.RegistryProviderEtcd:
		return NewEtcd(cfg.Etcd, WithEtcdLogger(logger))
	case config.RegistryProviderKubernetes:
		return NewKubernetes(cfg.Kubernetes, WithKubeLogger(logger))
	default:
		return nil, fmt.Errorf("unknown registry provider: %q", cfg.Provider)
	}
}
