// Package config loads fragstore settings from a YAML file and FRAGSTORE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/fragstore/internal/dialect"
)

// EnvPrefix prefixes every environment override, e.g.
// FRAGSTORE_DATABASE_DSN or FRAGSTORE_CLUSTER_NODE_ID.
const EnvPrefix = "FRAGSTORE"

// Config holds all fragstore configuration.
type Config struct {
	Repository string         `mapstructure:"repository"`
	Schema     string         `mapstructure:"schema"`
	Database   DatabaseConfig `mapstructure:"database"`
	Retry      RetryConfig    `mapstructure:"retry"`
	Mapper     MapperConfig   `mapstructure:"mapper"`
	Cluster    ClusterConfig  `mapstructure:"cluster"`
	Cache      CacheConfig    `mapstructure:"cache"`
	Metrics    MetricsConfig  `mapstructure:"metrics"`
	Logging    LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig selects the backend and sizes its pool.
type DatabaseConfig struct {
	Dialect         string        `mapstructure:"dialect"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RetryConfig is the bounded linear retry for overloaded databases.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Step        time.Duration `mapstructure:"step"`
}

// MapperConfig tunes the row store.
type MapperConfig struct {
	RepairDuplicates bool `mapstructure:"repair_duplicates"`
}

// ClusterConfig configures invalidation propagation between nodes.
type ClusterConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	NodeID       string        `mapstructure:"node_id"`
	PullDelay    time.Duration `mapstructure:"pull_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CacheConfig sizes the node-local row cache.
type CacheConfig struct {
	Size int `mapstructure:"size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Repository: "default",
		Database: DatabaseConfig{
			Dialect:         "sqlite",
			DSN:             "fragstore.db",
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			Step:        100 * time.Millisecond,
		},
		Mapper: MapperConfig{RepairDuplicates: true},
		Cluster: ClusterConfig{
			PullDelay:    500 * time.Millisecond,
			PollInterval: time.Second,
		},
		Cache: CacheConfig{Size: 10000},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from configPath, if set, and the environment.
// Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("repository", d.Repository)
	v.SetDefault("schema", d.Schema)

	v.SetDefault("database.dialect", d.Database.Dialect)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.step", d.Retry.Step)

	v.SetDefault("mapper.repair_duplicates", d.Mapper.RepairDuplicates)

	v.SetDefault("cluster.enabled", d.Cluster.Enabled)
	v.SetDefault("cluster.node_id", d.Cluster.NodeID)
	v.SetDefault("cluster.pull_delay", d.Cluster.PullDelay)
	v.SetDefault("cluster.poll_interval", d.Cluster.PollInterval)

	v.SetDefault("cache.size", d.Cache.Size)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.Repository == "" {
		return errors.New("repository is required")
	}
	if _, err := dialect.New(c.Database.Dialect); err != nil {
		return fmt.Errorf("database.dialect: %w", err)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Database.MaxOpenConns < 0 {
		return errors.New("database.max_open_conns must not be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Retry.Step <= 0 {
		return errors.New("retry.step must be positive")
	}
	if c.Cluster.PullDelay < 0 {
		return errors.New("cluster.pull_delay must not be negative")
	}
	if c.Cluster.Enabled && c.Cluster.PollInterval <= 0 {
		return errors.New("cluster.poll_interval must be positive")
	}
	if c.Cache.Size <= 0 {
		return errors.New("cache.size must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !isValidLevel(c.Logging.Level) {
		return errors.New("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return errors.New("logging.format must be one of: json, console")
	}
	return nil
}

func isValidLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}
