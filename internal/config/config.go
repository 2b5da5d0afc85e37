// Package config handles loading and validating sandboxd configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/sandboxd/internal/provider"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for sandboxd.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.sandboxd. Override: SANDBOXD_DATA_DIR.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under data_dir
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Monitoring    MonitoringConfig     `json:"monitoring" yaml:"monitoring"`
	Cleanup       *CleanupConfig       `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`             // nil = scheduled orphan sweep disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from data_dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/sandboxd.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ProvidersConfig selects and configures the sandbox backends.
type ProvidersConfig struct {
	Default string                 `json:"default" yaml:"default"` // "docker" (default) or "process".
	Docker  *DockerProviderConfig  `json:"docker,omitempty" yaml:"docker,omitempty"`
	Process *ProcessProviderConfig `json:"process,omitempty" yaml:"process,omitempty"`
}

// DescriptorOverrides replaces parts of a provider's built-in descriptor.
// A nil section keeps the built-in value.
type DescriptorOverrides struct {
	Capabilities *provider.Capabilities `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Limits       *provider.Limits       `json:"limits,omitempty" yaml:"limits,omitempty"`
	Pricing      *provider.Pricing      `json:"pricing,omitempty" yaml:"pricing,omitempty"`
}

func (o DescriptorOverrides) apply(d provider.Descriptor) provider.Descriptor {
	if o.Capabilities != nil {
		d.Capabilities = *o.Capabilities
	}
	if o.Limits != nil {
		d.Limits = *o.Limits
	}
	if o.Pricing != nil {
		d.Pricing = *o.Pricing
	}
	return d
}

// DockerProviderConfig configures the docker backend.
type DockerProviderConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Binary              string `json:"binary,omitempty" yaml:"binary,omitempty"`         // Default: "docker"
	Image               string `json:"image,omitempty" yaml:"image,omitempty"`           // Default: "alpine:3.20"
	Network             string `json:"network,omitempty" yaml:"network,omitempty"`       // Default: "bridge"
	PIDsLimit           int    `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"` // Default: 256
	StorageOpt          bool   `json:"storage_opt" yaml:"storage_opt"`                   // Needs overlay2 on xfs with pquota.
	DescriptorOverrides `yaml:",inline"`
}

// Descriptor returns the built-in docker descriptor with overrides applied.
func (d *DockerProviderConfig) Descriptor() provider.Descriptor {
	base := DefaultDockerDescriptor()
	if d == nil {
		return base
	}
	return d.apply(base)
}

// ProcessProviderConfig configures the host-process backend.
type ProcessProviderConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	BaseDir             string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`       // Default: <data_dir>/workspaces
	CPUSeconds          int    `json:"cpu_seconds,omitempty" yaml:"cpu_seconds,omitempty"` // ulimit -t per command. Default: 300
	DescriptorOverrides `yaml:",inline"`
}

// Descriptor returns the built-in process descriptor with overrides applied.
func (p *ProcessProviderConfig) Descriptor() provider.Descriptor {
	base := DefaultProcessDescriptor()
	if p == nil {
		return base
	}
	return p.apply(base)
}

// SandboxConfig holds sandbox lifecycle defaults.
type SandboxConfig struct {
	ExecTimeoutSeconds int `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"` // Default: 300
	StopTimeoutSeconds int `json:"stop_timeout_seconds" yaml:"stop_timeout_seconds"` // Default: 10
}

// ExecTimeout returns the default command timeout.
func (s SandboxConfig) ExecTimeout() time.Duration {
	if s.ExecTimeoutSeconds > 0 {
		return time.Duration(s.ExecTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// StopTimeout returns the default graceful stop timeout.
func (s SandboxConfig) StopTimeout() time.Duration {
	if s.StopTimeoutSeconds > 0 {
		return time.Duration(s.StopTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// MonitoringConfig configures the health checker and resource monitor.
// The settings table overrides both intervals at runtime.
type MonitoringConfig struct {
	HealthCheckIntervalS        int `json:"health_check_interval_seconds" yaml:"health_check_interval_seconds"`               // Default: 60
	ResourceMonitoringIntervalS int `json:"resource_monitoring_interval_seconds" yaml:"resource_monitoring_interval_seconds"` // Default: 30
	Concurrency                 int `json:"concurrency" yaml:"concurrency"`                                                   // Per-cycle parallelism. Default: 8
}

// HealthCheckInterval returns the configured health interval or zero.
func (m MonitoringConfig) HealthCheckInterval() time.Duration {
	return time.Duration(m.HealthCheckIntervalS) * time.Second
}

// ResourceMonitoringInterval returns the configured monitor interval or zero.
func (m MonitoringConfig) ResourceMonitoringInterval() time.Duration {
	return time.Duration(m.ResourceMonitoringIntervalS) * time.Second
}

// MaxConcurrent returns the per-cycle parallelism.
func (m MonitoringConfig) MaxConcurrent() int {
	if m.Concurrency > 0 {
		return m.Concurrency
	}
	return 8
}

// CleanupConfig configures the scheduled orphan container sweep.
type CleanupConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Schedule  string   `json:"schedule" yaml:"schedule"`                       // Cron expression. Default: "*/15 * * * *"
	DryRun    bool     `json:"dry_run" yaml:"dry_run"`                         // Report orphans without removing them.
	Providers []string `json:"providers,omitempty" yaml:"providers,omitempty"` // Default: all registered providers.
}

// CronSchedule returns the sweep schedule.
func (c *CleanupConfig) CronSchedule() string {
	if c != nil && c.Schedule != "" {
		return c.Schedule
	}
	return "*/15 * * * *"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandboxd"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures provider error-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// HTTPConfig configures the operational HTTP listener.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"` // Default: ":9090". Override: SANDBOXD_HTTP_ADDR.
}

// ListenAddr returns the listen address.
func (h HTTPConfig) ListenAddr() string {
	if h.Addr != "" {
		return h.Addr
	}
	return ":9090"
}

// DefaultConfigPath returns the default config file path (~/.sandboxd/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sandboxd.yaml"
	}
	return filepath.Join(home, ".sandboxd", "config.yaml")
}

// Default returns a configuration with only the docker provider enabled.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Default: "docker",
			Docker:  &DockerProviderConfig{Enabled: true},
		},
	}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path, or the default path when it does not exist, yields Default().
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".sandboxd")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && resolved == DefaultConfigPath() {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if envDD := os.Getenv("SANDBOXD_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envDSN := os.Getenv("SANDBOXD_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = "postgres"
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envAddr := os.Getenv("SANDBOXD_HTTP_ADDR"); envAddr != "" {
		cfg.HTTP.Addr = envAddr
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sandboxd")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "sandboxd.db")
}

// ProcessBaseDir returns the parent directory of process workspaces.
func (c *Config) ProcessBaseDir() string {
	if c.Providers.Process != nil && c.Providers.Process.BaseDir != "" {
		return c.Providers.Process.BaseDir
	}
	return filepath.Join(c.ResolvedDataDir(), "workspaces")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// EnabledProviders lists the enabled provider names.
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.Providers.Docker != nil && c.Providers.Docker.Enabled {
		names = append(names, "docker")
	}
	if c.Providers.Process != nil && c.Providers.Process.Enabled {
		names = append(names, "process")
	}
	return names
}

func (c *Config) validate() error {
	enabled := c.EnabledProviders()
	if len(enabled) == 0 {
		return fmt.Errorf("providers: at least one of docker or process must be enabled")
	}
	if c.Providers.Default == "" {
		c.Providers.Default = enabled[0]
	}
	switch c.Providers.Default {
	case "docker":
		if c.Providers.Docker == nil || !c.Providers.Docker.Enabled {
			return fmt.Errorf("providers.default %q is not enabled", c.Providers.Default)
		}
	case "process":
		if c.Providers.Process == nil || !c.Providers.Process.Enabled {
			return fmt.Errorf("providers.default %q is not enabled", c.Providers.Default)
		}
	default:
		return fmt.Errorf("providers.default %q is not supported (use docker or process)", c.Providers.Default)
	}
	if err := validateDescriptor("providers.docker", c.Providers.Docker.Descriptor()); err != nil {
		return err
	}
	if err := validateDescriptor("providers.process", c.Providers.Process.Descriptor()); err != nil {
		return err
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set SANDBOXD_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	if c.Sandbox.ExecTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.exec_timeout_seconds must not be negative")
	}
	if c.Sandbox.StopTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.stop_timeout_seconds must not be negative")
	}
	if c.Monitoring.HealthCheckIntervalS < 0 || c.Monitoring.ResourceMonitoringIntervalS < 0 {
		return fmt.Errorf("monitoring intervals must not be negative")
	}
	if c.Monitoring.Concurrency < 0 {
		return fmt.Errorf("monitoring.concurrency must not be negative")
	}

	if c.Cleanup != nil && c.Cleanup.Enabled {
		if _, err := cron.ParseStandard(c.Cleanup.CronSchedule()); err != nil {
			return fmt.Errorf("cleanup.schedule %q: %w", c.Cleanup.Schedule, err)
		}
		for _, name := range c.Cleanup.Providers {
			if name != "docker" && name != "process" {
				return fmt.Errorf("cleanup.providers: unknown provider %q", name)
			}
		}
	}

	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}

func validateDescriptor(path string, d provider.Descriptor) error {
	p := d.Pricing
	if p.PerHour != nil && p.PerCPUHour != nil {
		return fmt.Errorf("%s.pricing: set only one of per_hour or per_cpu_hour", path)
	}
	if p.PerGBMemory != nil && p.PerGBHour != nil {
		return fmt.Errorf("%s.pricing: set only one of per_gb_memory or per_gb_hour", path)
	}
	if p.BaseCost < 0 || p.PerGBStorage < 0 || p.PerExecution < 0 {
		return fmt.Errorf("%s.pricing: rates must not be negative", path)
	}
	for model, rate := range p.GPUPerHour {
		if rate < 0 {
			return fmt.Errorf("%s.pricing.gpu_per_hour.%s must not be negative", path, model)
		}
	}
	if d.Limits.MaxVCPU < 0 || d.Limits.MaxRuntimeHours < 0 {
		return fmt.Errorf("%s.limits must not be negative", path)
	}
	return nil
}
