package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig represents the complete configuration for a storage server
type StorageConfig struct {
	Server       NodeServerConfig   `yaml:"server"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Replication  ReplicationConfig  `yaml:"replication"`
	Transfer     TransferConfig     `yaml:"transfer"`
	Gossip       GossipConfig       `yaml:"gossip"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// NodeServerConfig identifies the server and its gRPC listener
type NodeServerConfig struct {
	Name            string        `yaml:"name"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CacheSize       int           `yaml:"cache_size"`
	EvictionPolicy  string        `yaml:"eviction_policy"`
	MaxRecvMsgSize  int           `yaml:"max_recv_msg_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ReplicationConfig holds replica forwarding configuration
type ReplicationConfig struct {
	Factor      int           `yaml:"factor"`
	QueueSize   int           `yaml:"queue_size"`
	RPCTimeout  time.Duration `yaml:"rpc_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TransferConfig holds range transfer configuration
type TransferConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// LoadStorageConfig loads configuration from a file. A missing file is not an error:
// launched servers are configured through the environment alone.
func LoadStorageConfig(filePath string) (*StorageConfig, error) {
	var cfg StorageConfig

	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyStorageEnvironment(&cfg); err != nil {
		return nil, err
	}

	setStorageDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyStorageEnvironment applies the variables set by the launcher
func applyStorageEnvironment(cfg *StorageConfig) error {
	if name := os.Getenv("NODE_NAME"); name != "" {
		cfg.Server.Name = name
	}
	if host := os.Getenv("NODE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("NODE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid NODE_PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}
	if size := os.Getenv("CACHE_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return fmt.Errorf("invalid CACHE_SIZE %q: %w", size, err)
		}
		cfg.Server.CacheSize = s
	}
	if policy := os.Getenv("EVICTION_POLICY"); policy != "" {
		cfg.Server.EvictionPolicy = policy
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Coordination.Addr = addr
	}
	if root := os.Getenv("COORDINATION_ROOT"); root != "" {
		cfg.Coordination.Root = root
	}
	if factor := os.Getenv("REPLICATION_FACTOR"); factor != "" {
		r, err := strconv.Atoi(factor)
		if err != nil {
			return fmt.Errorf("invalid REPLICATION_FACTOR %q: %w", factor, err)
		}
		cfg.Replication.Factor = r
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

// setStorageDefaults sets default values for unspecified configuration
func setStorageDefaults(cfg *StorageConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.EvictionPolicy == "" {
		cfg.Server.EvictionPolicy = "FIFO"
	}
	if cfg.Server.MaxRecvMsgSize == 0 {
		cfg.Server.MaxRecvMsgSize = 16 << 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	defaults := DefaultCoordinationConfig()
	if cfg.Coordination.Backend == "" {
		cfg.Coordination.Backend = defaults.Backend
	}
	if cfg.Coordination.Addr == "" {
		cfg.Coordination.Addr = defaults.Addr
	}
	if cfg.Coordination.Root == "" {
		cfg.Coordination.Root = defaults.Root
	}
	if cfg.Coordination.DialTimeout == 0 {
		cfg.Coordination.DialTimeout = defaults.DialTimeout
	}
	if cfg.Coordination.PoolSize == 0 {
		cfg.Coordination.PoolSize = defaults.PoolSize
	}
	if cfg.Coordination.MaxRetries == 0 {
		cfg.Coordination.MaxRetries = defaults.MaxRetries
	}

	if cfg.Replication.QueueSize == 0 {
		cfg.Replication.QueueSize = 1024
	}
	if cfg.Replication.RPCTimeout == 0 {
		cfg.Replication.RPCTimeout = 5 * time.Second
	}
	if cfg.Replication.DialTimeout == 0 {
		cfg.Replication.DialTimeout = 3 * time.Second
	}

	if cfg.Transfer.Workers == 0 {
		cfg.Transfer.Workers = 2
	}
	if cfg.Transfer.QueueSize == 0 {
		cfg.Transfer.QueueSize = 16
	}
	if cfg.Transfer.Timeout == 0 {
		cfg.Transfer.Timeout = 30 * time.Second
	}
	if cfg.Transfer.BatchSize == 0 {
		cfg.Transfer.BatchSize = 500
	}

	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *StorageConfig) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.CacheSize < 0 {
		return fmt.Errorf("server.cache_size must not be negative")
	}
	if c.Replication.Factor < 0 {
		return fmt.Errorf("replication.factor must not be negative")
	}
	if c.Transfer.Workers < 1 {
		return fmt.Errorf("transfer.workers must be at least 1")
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	return c.Coordination.validate()
}
