package config

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty" json:"logFormat,omitempty"`
	LogOutput string `yaml:"logOutput,omitempty" json:"logOutput,omitempty"`

	// AccessLog enables one structured log line per proxied request.
	AccessLog bool `yaml:"accessLog,omitempty" json:"accessLog,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bind    string `yaml:"bind,omitempty" json:"bind,omitempty"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// GetEffectivePort returns the metrics port with the default applied.
func (c *MetricsConfig) GetEffectivePort() int {
	if c == nil || c.Port == 0 {
		return DefaultMetricsPort
	}
	return c.Port
}

// GetEffectivePath returns the metrics path with the default applied.
func (c *MetricsConfig) GetEffectivePath() string {
	if c == nil || c.Path == "" {
		return DefaultMetricsPath
	}
	return c.Path
}

// AdminConfig configures the status API server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bind    string `yaml:"bind,omitempty" json:"bind,omitempty"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
}

// GetEffectivePort returns the admin port with the default applied.
func (c *AdminConfig) GetEffectivePort() int {
	if c == nil || c.Port == 0 {
		return DefaultAdminPort
	}
	return c.Port
}
