package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kverrors "github.com/devrev/kvring/internal/errors"
	"github.com/devrev/kvring/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Ring.ReplicationFactor)
	assert.Equal(t, "/kvring", cfg.Coordination.Root)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "unknown backend", mutate: func(c *Config) { c.Coordination.Backend = "zk" }, wantErr: "coordination.backend"},
		{name: "relative root", mutate: func(c *Config) { c.Coordination.Root = "kvring" }, wantErr: "coordination.root"},
		{name: "negative replication", mutate: func(c *Config) { c.Ring.ReplicationFactor = -1 }, wantErr: "replication_factor"},
		{name: "no transfer timeout", mutate: func(c *Config) { c.Ring.TransferTimeout = 0 }, wantErr: "transfer_timeout"},
		{name: "script without path", mutate: func(c *Config) {
			c.Launcher.Mode = "script"
			c.Launcher.Script = ""
		}, wantErr: "launcher.script"},
		{name: "database without host", mutate: func(c *Config) {
			c.Database.Enabled = true
			c.Database.Host = ""
		}, wantErr: "database.host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "coordinator.yaml", `
server:
  port: 9000
coordination:
  backend: memory
  root: /test
pool:
  file: /etc/kvring/pool
ring:
  replication_factor: 1
  transfer_timeout: 5s
`)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REPLICATION_FACTOR", "0")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Coordination.Backend)
	assert.Equal(t, "/test", cfg.Coordination.Root)
	assert.Equal(t, "/etc/kvring/pool", cfg.Pool.File)
	assert.Equal(t, 5*time.Second, cfg.Ring.TransferTimeout)
	assert.Equal(t, 10*time.Second, cfg.Ring.AwaitTimeout, "unset keys keep defaults")
	assert.Equal(t, 0, cfg.Ring.ReplicationFactor)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoadStorageConfig_Environment(t *testing.T) {
	t.Setenv("NODE_NAME", "server-3")
	t.Setenv("NODE_HOST", "10.0.0.3")
	t.Setenv("NODE_PORT", "5003")
	t.Setenv("CACHE_SIZE", "250")
	t.Setenv("EVICTION_POLICY", "LRU")

	cfg, err := LoadStorageConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "server-3", cfg.Server.Name)
	assert.Equal(t, "10.0.0.3", cfg.Server.Host)
	assert.Equal(t, 5003, cfg.Server.Port)
	assert.Equal(t, 250, cfg.Server.CacheSize)
	assert.Equal(t, "LRU", cfg.Server.EvictionPolicy)
	assert.Equal(t, "/kvring", cfg.Coordination.Root)
	assert.Equal(t, 2, cfg.Transfer.Workers)
}

func TestLoadStorageConfig_File(t *testing.T) {
	path := writeFile(t, "storage.yaml", `
server:
  name: server-1
  port: 5001
replication:
  factor: 2
  rpc_timeout: 2s
gossip:
  enabled: true
  bind_port: 7946
  seed_nodes: ["localhost:7947"]
`)

	cfg, err := LoadStorageConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Replication.Factor)
	assert.Equal(t, 2*time.Second, cfg.Replication.RPCTimeout)
	assert.Equal(t, []string{"localhost:7947"}, cfg.Gossip.SeedNodes)
}

func TestLoadStorageConfig_Invalid(t *testing.T) {
	_, err := LoadStorageConfig(writeFile(t, "storage.yaml", "server:\n  port: 5001\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.name")

	t.Setenv("NODE_PORT", "abc")
	_, err = LoadStorageConfig(writeFile(t, "storage.yaml", "server:\n  name: a\n"))
	assert.Error(t, err)
}

func TestParsePool(t *testing.T) {
	nodes, err := ParsePool(strings.NewReader(`# name host port
server-1 localhost 5001

server-2	127.0.0.1   5002
`))
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, "server-1", nodes[0].Name)
	assert.Equal(t, 5001, nodes[0].Port)
	assert.Equal(t, model.StateStopped, nodes[0].State)
	assert.Equal(t, model.HashAddress("localhost", 5001), nodes[0].Hash)
	assert.Equal(t, "127.0.0.1", nodes[1].Host)
}

func TestParsePool_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "missing port", input: "server-1 localhost\n"},
		{name: "extra field", input: "server-1 localhost 5001 extra\n"},
		{name: "bad port", input: "server-1 localhost port\n"},
		{name: "port out of range", input: "server-1 localhost 70000\n"},
		{name: "duplicate name", input: "a localhost 5001\na localhost 5002\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePool(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Equal(t, kverrors.ErrCodeConfiguration, kverrors.GetCode(err))
		})
	}
}

func TestLoadPool_MissingFile(t *testing.T) {
	_, err := LoadPool(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
