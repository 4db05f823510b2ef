package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

// DefaultEtcdPrefix is the catalog root when the config omits one.
const DefaultEtcdPrefix = "/avdispatch/services"

// DefaultEtcdDialTimeout bounds the initial connection attempt.
const DefaultEtcdDialTimeout = 5 * time.Second

// watchRetryInterval is the pause before re-establishing a broken watch.
const watchRetryInterval = time.Second

// instanceRecord is the JSON document instances write into the catalog
// under <prefix>/<service>/<instance-id>.
type instanceRecord struct {
	ID      string            `json:"id"`
	Address string            `json:"address"`
	Weight  int               `json:"weight,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Etcd discovers instances from an etcd catalog. Instances register
// themselves as JSON records keyed by service name and instance id;
// the provider only reads.
type Etcd struct {
	client *clientv3.Client
	prefix string
	logger observability.Logger
}

// EtcdOption configures the etcd provider.
type EtcdOption func(*Etcd)

// WithEtcdLogger sets the logger for the etcd provider.
func WithEtcdLogger(logger observability.Logger) EtcdOption {
	return func(e *Etcd) {
		e.logger = logger
	}
}

// WithEtcdClient injects an existing client instead of dialing one.
// The provider takes ownership and closes it on Close.
func WithEtcdClient(client *clientv3.Client) EtcdOption {
	return func(e *Etcd) {
		e.client = client
	}
}

// NewEtcd creates an etcd provider from configuration.
func NewEtcd(cfg *config.EtcdRegistryConfig, opts ...EtcdOption) (*Etcd, error) {
	if cfg == nil {
		return nil, fmt.Errorf("etcd registry configuration is required")
	}

	e := &Etcd{
		prefix: normalizePrefix(cfg.Prefix),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		dialTimeout := cfg.DialTimeout.Duration()
		if dialTimeout == 0 {
			dialTimeout = DefaultEtcdDialTimeout
		}
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: dialTimeout,
			Username:    cfg.Username,
			Password:    cfg.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		e.client = client
	}

	return e, nil
}

// Name returns the provider kind.
func (e *Etcd) Name() string {
	return config.RegistryProviderEtcd
}

// Services returns the distinct service names present in the catalog.
func (e *Etcd) Services(ctx context.Context) ([]string, error) {
	resp, err := e.client.Get(ctx, e.prefix+"/",
		clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog keys: %w", err)
	}

	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, kv := range resp.Kvs {
		service := serviceNameFromKey(e.prefix, string(kv.Key))
		if service == "" {
			continue
		}
		if _, ok := seen[service]; ok {
			continue
		}
		seen[service] = struct{}{}
		names = append(names, service)
	}
	return names, nil
}

// ListInstances returns the instances registered under a service.
// Records that fail to decode are skipped with a warning so one bad
// registration cannot hide the rest of the service.
func (e *Etcd) ListInstances(ctx context.Context, service string) ([]Instance, error) {
	prefix := e.prefix + "/" + service + "/"
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := decodeInstanceRecord(string(kv.Key), kv.Value)
		if err != nil {
			e.logger.Warn("skipping malformed instance record",
				observability.String("key", string(kv.Key)),
				observability.Error(err),
			)
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch streams a coalesced change signal for the whole catalog. The
// watch reconnects after errors until the context is canceled.
func (e *Etcd) Watch(ctx context.Context) (<-chan struct{}, error) {
	notifyCh := make(chan struct{}, 1)

	go func() {
		defer close(notifyCh)

		for {
			watchCh := e.client.Watch(ctx, e.prefix+"/", clientv3.WithPrefix())

			for resp := range watchCh {
				if resp.Err() != nil {
					e.logger.Warn("catalog watch error, reconnecting",
						observability.Error(resp.Err()),
					)
					break
				}
				if len(resp.Events) == 0 {
					continue
				}
				select {
				case notifyCh <- struct{}{}:
				default:
					// A signal is already pending.
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryInterval):
			}
		}
	}()

	return notifyCh, nil
}

// Close closes the underlying etcd client.
func (e *Etcd) Close() error {
	return e.client.Close()
}

// normalizePrefix strips a trailing slash and applies the default root.
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return DefaultEtcdPrefix
	}
	return prefix
}

// serviceNameFromKey extracts the service segment from a catalog key
// shaped <prefix>/<service>/<instance-id>. Returns "" for keys outside
// that shape.
func serviceNameFromKey(prefix, key string) string {
	rest := strings.TrimPrefix(key, prefix+"/")
	if rest == key {
		return ""
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0]
}

// decodeInstanceRecord parses a catalog value. The instance id defaults
// to the trailing key segment and the weight to 1.
func decodeInstanceRecord(key string, value []byte) (Instance, error) {
	var rec instanceRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return Instance{}, fmt.Errorf("invalid instance record: %w", err)
	}
	if rec.Address == "" {
		return Instance{}, fmt.Errorf("instance record missing address")
	}
	if rec.ID == "" {
		if idx := strings.LastIndex(key, "/"); idx >= 0 {
			rec.ID = key[idx+1:]
		}
		if rec.ID == "" {
			rec.ID = rec.Address
		}
	}
	if rec.Weight <= 0 {
		rec.Weight = 1
	}
	return Instance{
		ID:      rec.ID,
		Address: rec.Address,
		Weight:  rec.Weight,
		Tags:    rec.Tags,
	}, nil
}
