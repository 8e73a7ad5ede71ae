package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "file", cfg.Trust.Store)
	assert.Equal(t, 7, cfg.Consensus.MinClusterSize)
	assert.Equal(t, 12, cfg.Consensus.OptimalClusterSize)
	assert.Equal(t, 0.6, cfg.Consensus.DefaultMinimum)
	assert.Equal(t, TypeCounts{Min: 2, Target: 4, Max: 40}, cfg.Pool.Types["neutral"])
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cluster bounds", func(c *Config) { c.Consensus.MinClusterSize = 0 }},
		{"min above max", func(c *Config) { c.Consensus.MinClusterSize = 30 }},
		{"optimal outside bounds", func(c *Config) { c.Consensus.OptimalClusterSize = 25 }},
		{"pool max below min", func(c *Config) {
			c.Pool.Types["neutral"] = TypeCounts{Min: 5, Target: 5, Max: 3}
		}},
		{"pool target outside bounds", func(c *Config) {
			c.Pool.Types["neutral"] = TypeCounts{Min: 2, Target: 50, Max: 40}
		}},
		{"zero monitor interval", func(c *Config) { c.Monitor.Interval = 0 }},
		{"unknown strategy", func(c *Config) { c.Pool.LoadBalancing = "fastest" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: "9090"
consensus:
  optimal_cluster_size: 10
pool:
  load_balancing: round_robin
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Consensus.OptimalClusterSize)
	assert.Equal(t, "round_robin", cfg.Pool.LoadBalancing)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 0.7, cfg.Pool.ScaleUpThreshold)
}

func TestLoadConfigInvalidRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
consensus:
  min_cluster_size: 30
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
