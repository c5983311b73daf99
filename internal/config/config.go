package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the coordinator service configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Ring         RingConfig         `mapstructure:"ring"`
	Launcher     LauncherConfig     `mapstructure:"launcher"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig represents the admin HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CoordinationConfig represents the coordination store connection. Shared by both binaries.
type CoordinationConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	Root        string        `mapstructure:"root" yaml:"root"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// PoolConfig locates the pool file and the defaults applied to provisioned nodes
type PoolConfig struct {
	File                  string `mapstructure:"file"`
	DefaultCacheSize      int    `mapstructure:"default_cache_size"`
	DefaultEvictionPolicy string `mapstructure:"default_eviction_policy"`
}

// RingConfig represents replication and membership timing
type RingConfig struct {
	ReplicationFactor int           `mapstructure:"replication_factor"`
	AwaitTimeout      time.Duration `mapstructure:"await_timeout"`
	AwaitInterval     time.Duration `mapstructure:"await_interval"`
	TransferTimeout   time.Duration `mapstructure:"transfer_timeout"`
}

// LauncherConfig selects how STARTED nodes are brought up
type LauncherConfig struct {
	Mode    string        `mapstructure:"mode"`
	Script  string        `mapstructure:"script"`
	WorkDir string        `mapstructure:"work_dir"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig represents the PostgreSQL membership event log
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_min_conns=%d",
		d.User, d.Password, d.Host, d.Port, d.Database, d.MaxConnections, d.MinConnections)
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// RateLimitConfig bounds admin API request rate
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if err := c.Coordination.validate(); err != nil {
		return err
	}
	if c.Pool.File == "" {
		return errors.New("pool.file is required")
	}
	if c.Pool.DefaultCacheSize < 0 {
		return errors.New("pool.default_cache_size must not be negative")
	}
	if c.Ring.ReplicationFactor < 0 {
		return errors.New("ring.replication_factor must not be negative")
	}
	if c.Ring.AwaitTimeout <= 0 {
		return errors.New("ring.await_timeout must be positive")
	}
	if c.Ring.TransferTimeout <= 0 {
		return errors.New("ring.transfer_timeout must be positive")
	}
	switch c.Launcher.Mode {
	case "none":
	case "script":
		if c.Launcher.Script == "" {
			return errors.New("launcher.script is required in script mode")
		}
	default:
		return fmt.Errorf("launcher.mode must be one of: script, none (got %q)", c.Launcher.Mode)
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("rate_limit.requests_per_second and rate_limit.burst must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func (c CoordinationConfig) validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.Addr == "" {
			return errors.New("coordination.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("coordination.backend must be one of: redis, memory (got %q)", c.Backend)
	}
	if c.Root == "" || c.Root[0] != '/' {
		return errors.New("coordination.root must be an absolute path")
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Coordination: DefaultCoordinationConfig(),
		Pool: PoolConfig{
			File:                  "./ecs.config",
			DefaultCacheSize:      100,
			DefaultEvictionPolicy: "FIFO",
		},
		Ring: RingConfig{
			ReplicationFactor: 2,
			AwaitTimeout:      10 * time.Second,
			AwaitInterval:     100 * time.Millisecond,
			TransferTimeout:   30 * time.Second,
		},
		Launcher: LauncherConfig{
			Mode:    "none",
			Script:  "./script.sh",
			WorkDir: ".",
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            5432,
			Database:        "kvring",
			User:            "coordinator",
			MaxConnections:  10,
			MinConnections:  1,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultCoordinationConfig returns the coordination defaults shared by both binaries.
func DefaultCoordinationConfig() CoordinationConfig {
	return CoordinationConfig{
		Backend:     "redis",
		Addr:        "localhost:6379",
		Root:        "/kvring",
		DialTimeout: 5 * time.Second,
		PoolSize:    10,
		MaxRetries:  3,
	}
}
