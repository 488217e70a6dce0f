// Package config provides configuration management for the Hub.
// It supports loading configuration from environment variables, a config
// file, and defaults. The resulting Config is constructed once at startup
// and injected downward; nothing reads configuration globally.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Hub.
type Config struct {
	Hub        HubConfig        `mapstructure:"hub"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Bus        BusConfig        `mapstructure:"bus"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Ports      PortRangeConfig  `mapstructure:"ports"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Federation FederationConfig `mapstructure:"federation"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// HubConfig identifies this hub instance. The slug appears in every event
// subject this hub emits; the mesh namespace scopes federation membership.
type HubConfig struct {
	Slug          string `mapstructure:"slug"`
	MeshNamespace string `mapstructure:"meshNamespace"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the relational store configuration. URL selects the
// backend: "postgres://..." opens Postgres via pgx, anything else is treated
// as a SQLite file path.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// BusConfig holds NATS messaging configuration. An empty URL selects the
// in-memory bus.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker driver configuration.
type DockerConfig struct {
	Driver         string `mapstructure:"driver"` // registered driver name, e.g. "docker", "fake"
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	StopGrace      int    `mapstructure:"stopGrace"` // seconds before forced termination
}

// PortRange is an inclusive allocation pool for one port class.
type PortRange struct {
	From int `mapstructure:"from"`
	To   int `mapstructure:"to"`
}

// PortRangeConfig holds the four allocation pools for project stacks.
type PortRangeConfig struct {
	Backend  PortRange `mapstructure:"backend"`
	Frontend PortRange `mapstructure:"frontend"`
	DB       PortRange `mapstructure:"db"`
	Cache    PortRange `mapstructure:"cache"`
}

// WorkflowConfig holds workflow engine configuration.
type WorkflowConfig struct {
	WorkerTokens     int `mapstructure:"workerTokens"`     // bound on concurrent node executions
	RetryBaseMillis  int `mapstructure:"retryBaseMillis"`  // backoff base
	RetryCapMillis   int `mapstructure:"retryCapMillis"`   // backoff ceiling
	AgentTimeoutSecs int `mapstructure:"agentTimeoutSecs"` // wall-clock budget per node attempt
}

// FederationConfig holds heartbeat staleness configuration.
type FederationConfig struct {
	StaleThresholdSeconds     int `mapstructure:"staleThresholdSeconds"`
	StaleCheckIntervalSeconds int `mapstructure:"staleCheckIntervalSeconds"`
}

// AuthConfig holds API authentication configuration. Empty APIKeys disables
// auth (development mode).
type AuthConfig struct {
	APIKeys []string `mapstructure:"apiKeys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopGraceDuration returns the container stop grace period.
func (d *DockerConfig) StopGraceDuration() time.Duration {
	return time.Duration(d.StopGrace) * time.Second
}

// StaleThreshold returns the heartbeat staleness threshold.
func (f *FederationConfig) StaleThreshold() time.Duration {
	return time.Duration(f.StaleThresholdSeconds) * time.Second
}

// StaleCheckInterval returns the sweeper interval.
func (f *FederationConfig) StaleCheckInterval() time.Duration {
	return time.Duration(f.StaleCheckIntervalSeconds) * time.Second
}

// IsPostgres reports whether the database URL selects Postgres.
func (d *DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.From && port <= r.To
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.slug", "core")
	v.SetDefault("hub.meshNamespace", "default")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database default - SQLite file next to the binary
	v.SetDefault("database.url", "./hub.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Bus defaults - empty URL means use the in-memory bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "hubd")
	v.SetDefault("bus.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.driver", "docker")
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultNetwork", "hub-network")
	v.SetDefault("docker.stopGrace", 10)

	// Port allocation pools
	v.SetDefault("ports.backend.from", 8000)
	v.SetDefault("ports.backend.to", 8999)
	v.SetDefault("ports.frontend.from", 3000)
	v.SetDefault("ports.frontend.to", 3999)
	v.SetDefault("ports.db.from", 5400)
	v.SetDefault("ports.db.to", 5499)
	v.SetDefault("ports.cache.from", 6300)
	v.SetDefault("ports.cache.to", 6399)

	// Workflow engine
	v.SetDefault("workflow.workerTokens", 4)
	v.SetDefault("workflow.retryBaseMillis", 500)
	v.SetDefault("workflow.retryCapMillis", 30000)
	v.SetDefault("workflow.agentTimeoutSecs", 600)

	// Federation staleness
	v.SetDefault("federation.staleThresholdSeconds", 90)
	v.SetDefault("federation.staleCheckIntervalSeconds", 60)

	// Auth - no keys means open (dev mode)
	v.SetDefault("auth.apiKeys", []string{})

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix HUB_ with underscore
// naming; the operational variables from the deployment docs (DATABASE_URL,
// BUS_URL, ...) are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Operational environment variables with names that predate the viper
	// key scheme. Each also accepts the HUB_-prefixed form.
	_ = v.BindEnv("hub.slug", "HUB_SLUG")
	_ = v.BindEnv("hub.meshNamespace", "MESH_NAMESPACE", "HUB_MESH_NAMESPACE")
	_ = v.BindEnv("database.url", "DATABASE_URL", "HUB_DATABASE_URL")
	_ = v.BindEnv("bus.url", "BUS_URL", "HUB_BUS_URL")
	_ = v.BindEnv("ports.backend.from", "PORT_RANGE_BACKEND_FROM")
	_ = v.BindEnv("ports.backend.to", "PORT_RANGE_BACKEND_TO")
	_ = v.BindEnv("ports.frontend.from", "PORT_RANGE_FRONTEND_FROM")
	_ = v.BindEnv("ports.frontend.to", "PORT_RANGE_FRONTEND_TO")
	_ = v.BindEnv("ports.db.from", "PORT_RANGE_DB_FROM")
	_ = v.BindEnv("ports.db.to", "PORT_RANGE_DB_TO")
	_ = v.BindEnv("ports.cache.from", "PORT_RANGE_CACHE_FROM")
	_ = v.BindEnv("ports.cache.to", "PORT_RANGE_CACHE_TO")
	_ = v.BindEnv("workflow.workerTokens", "WORKER_TOKENS", "HUB_WORKER_TOKENS")
	_ = v.BindEnv("federation.staleThresholdSeconds", "STALE_THRESHOLD_SECONDS")
	_ = v.BindEnv("federation.staleCheckIntervalSeconds", "STALE_CHECK_INTERVAL_SECONDS")
	_ = v.BindEnv("auth.apiKeys", "API_KEYS", "HUB_API_KEYS")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "HUB_LOG_LEVEL")
	_ = v.BindEnv("docker.driver", "CONTAINER_DRIVER", "HUB_CONTAINER_DRIVER")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hubd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// API_KEYS may arrive as one comma-separated env value.
	cfg.Auth.APIKeys = splitKeys(cfg.Auth.APIKeys)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func splitKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate checks that all required configuration fields are coherent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Hub.Slug == "" {
		errs = append(errs, "hub.slug is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}
	if cfg.Workflow.WorkerTokens <= 0 {
		errs = append(errs, "workflow.workerTokens must be positive")
	}
	if cfg.Federation.StaleThresholdSeconds <= 0 {
		errs = append(errs, "federation.staleThresholdSeconds must be positive")
	}
	if cfg.Federation.StaleCheckIntervalSeconds <= 0 {
		errs = append(errs, "federation.staleCheckIntervalSeconds must be positive")
	}
	for _, pool := range []struct {
		name string
		r    PortRange
	}{
		{"ports.backend", cfg.Ports.Backend},
		{"ports.frontend", cfg.Ports.Frontend},
		{"ports.db", cfg.Ports.DB},
		{"ports.cache", cfg.Ports.Cache},
	} {
		if pool.r.From <= 0 || pool.r.To < pool.r.From || pool.r.To > 65535 {
			errs = append(errs, fmt.Sprintf("%s range is invalid", pool.name))
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
