package config

// Registry source providers.
const (
	RegistryProviderStatic     = "static"
	RegistryProviderEtcd       = "etcd"
	RegistryProviderKubernetes = "kubernetes"
)

// Registry selects and configures the service registry source.
type Registry struct {
	// Provider is one of static, etcd, kubernetes.
	Provider string `yaml:"provider" json:"provider"`

	// RefreshInterval is the period between registry snapshots.
	RefreshInterval Duration `yaml:"refreshInterval,omitempty" json:"refreshInterval,omitempty"`

	Static     *StaticRegistryConfig `yaml:"static,omitempty" json:"static,omitempty"`
	Etcd       *EtcdRegistryConfig   `yaml:"etcd,omitempty" json:"etcd,omitempty"`
	Kubernetes *KubeRegistryConfig   `yaml:"kubernetes,omitempty" json:"kubernetes,omitempty"`
}

// StaticRegistryConfig enumerates services and instances inline.
type StaticRegistryConfig struct {
	Services []StaticService `yaml:"services" json:"services"`
}

// StaticService is a statically configured service.
type StaticService struct {
	Name      string           `yaml:"name" json:"name"`
	Instances []StaticInstance `yaml:"instances" json:"instances"`
}

// StaticInstance is a statically configured upstream instance.
type StaticInstance struct {
	// ID uniquely identifies the instance. Defaults to the address.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Address is the "host:port" the instance listens on.
	Address string `yaml:"address" json:"address"`

	// Weight biases weighted load balancing. Defaults to 1.
	Weight int `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// EtcdRegistryConfig configures the distributed KV registry source.
// Instances register themselves as JSON records under
// <prefix>/<service>/<instance-id>.
type EtcdRegistryConfig struct {
	Endpoints   []string `yaml:"endpoints" json:"endpoints"`
	Prefix      string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	DialTimeout Duration `yaml:"dialTimeout,omitempty" json:"dialTimeout,omitempty"`
	Username    string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string   `yaml:"password,omitempty" json:"password,omitempty"`
}

// KubeRegistryConfig configures the container orchestrator registry
// source, which lists endpoint addresses of labeled services.
type KubeRegistryConfig struct {
	// Namespace restricts discovery. Empty means the default namespace.
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// LabelSelector filters the services to discover.
	LabelSelector string `yaml:"labelSelector,omitempty" json:"labelSelector,omitempty"`

	// Kubeconfig is the path to a kubeconfig file. Empty means
	// in-cluster configuration.
	Kubeconfig string `yaml:"kubeconfig,omitempty" json:"kubeconfig,omitempty"`
}

// HealthCheckConfig configures active upstream health probing.
type HealthCheckConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Interval between probe rounds.
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Timeout for a single probe request.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Path probed via GET on each instance.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// HealthyThreshold is the number of consecutive successes before an
	// unhealthy instance is marked healthy again.
	HealthyThreshold int `yaml:"healthyThreshold,omitempty" json:"healthyThreshold,omitempty"`

	// UnhealthyThreshold is the number of consecutive failures before a
	// healthy instance is marked unhealthy.
	UnhealthyThreshold int `yaml:"unhealthyThreshold,omitempty" json:"unhealthyThreshold,omitempty"`
}

// GetEffectiveInterval returns the probe interval with defaults applied.
func (c *HealthCheckConfig) GetEffectiveInterval() Duration {
	if c == nil || c.Interval == 0 {
		return Duration(DefaultHealthInterval)
	}
	return c.Interval
}

// GetEffectiveTimeout returns the probe timeout with defaults applied.
func (c *HealthCheckConfig) GetEffectiveTimeout() Duration {
	if c == nil || c.Timeout == 0 {
		return Duration(DefaultHealthTimeout)
	}
	return c.Timeout
}

// GetEffectivePath returns the probe path with defaults applied.
func (c *HealthCheckConfig) GetEffectivePath() string {
	if c == nil || c.Path == "" {
		return DefaultHealthPath
	}
	return c.Path
}

// GetEffectiveHealthyThreshold returns the up threshold with defaults applied.
func (c *HealthCheckConfig) GetEffectiveHealthyThreshold() int {
	if c == nil || c.HealthyThreshold <= 0 {
		return DefaultHealthyThreshold
	}
	return c.HealthyThreshold
}

// GetEffectiveUnhealthyThreshold returns the down threshold with defaults applied.
func (c *HealthCheckConfig) GetEffectiveUnhealthyThreshold() int {
	if c == nil || c.UnhealthyThreshold <= 0 {
		return DefaultUnhealthyThreshold
	}
	return c.UnhealthyThreshold
}

// GetEffectiveRefreshInterval returns the snapshot refresh interval with
// defaults applied.
func (r *Registry) GetEffectiveRefreshInterval() Duration {
	if r == nil || r.RefreshInterval == 0 {
		return Duration(DefaultRefreshInterval)
	}
	return r.RefreshInterval
}
