package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Trust     TrustConfig     `yaml:"trust"`
	Pool      PoolConfig      `yaml:"pool"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Scaling   ScalingConfig   `yaml:"scaling"`
	Crypto    CryptoConfig    `yaml:"crypto"`
}

type CryptoConfig struct {
	// ShamirEndpoint is the remote secret-sharing service base URL.
	// Empty disables the client.
	ShamirEndpoint string        `yaml:"shamir_endpoint"`
	ShamirTimeout  time.Duration `yaml:"shamir_timeout"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type TrustConfig struct {
	// ProfileDir is where the default JSON profile store keeps
	// <user_id>_profile.json files.
	ProfileDir string `yaml:"profile_dir"`

	// Store selects the profile store backend: "file", "postgres", "redis".
	Store string `yaml:"store"`

	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// TypeCounts bounds the population of one agent type.
type TypeCounts struct {
	Min    int `yaml:"min"`
	Target int `yaml:"target"`
	Max    int `yaml:"max"`
}

type PoolConfig struct {
	// Per-type population bounds, keyed by agent type name
	// (neutral, permissive, strict, watchdog).
	Types map[string]TypeCounts `yaml:"types"`

	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	ScaleUpCooldown    time.Duration `yaml:"scale_up_cooldown"`
	ScaleDownCooldown  time.Duration `yaml:"scale_down_cooldown"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxIdle             time.Duration `yaml:"max_idle"`

	// LoadBalancing is one of round_robin, least_loaded, weighted_random.
	LoadBalancing string `yaml:"load_balancing"`
}

type ConsensusConfig struct {
	MinClusterSize     int     `yaml:"min_cluster_size"`
	OptimalClusterSize int     `yaml:"optimal_cluster_size"`
	MaxClusterSize     int     `yaml:"max_cluster_size"`
	DefaultMinimum     float64 `yaml:"default_minimum_consensus"`

	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	HistoryLimit   int           `yaml:"history_limit"`
	EnablePromSink bool          `yaml:"enable_prom_sink"`
}

type ScalingConfig struct {
	Interval         time.Duration `yaml:"interval"`
	CPUCritical      float64       `yaml:"cpu_critical"`
	MemoryCritical   float64       `yaml:"memory_critical"`
	ResponseWarnMs   float64       `yaml:"response_warn_ms"`
	EnablePredictor  bool          `yaml:"enable_predictor"`
	PredictorTrigger float64       `yaml:"predictor_trigger"`
}

// Default returns the configuration the system runs with when no file is
// supplied. Values match the documented operating points.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Trust: TrustConfig{
			ProfileDir:  "data/profiles",
			Store:       "file",
			RedisPrefix: "vaultik:trust:",
		},
		Pool: PoolConfig{
			Types: map[string]TypeCounts{
				"neutral":    {Min: 2, Target: 4, Max: 40},
				"permissive": {Min: 1, Target: 2, Max: 20},
				"strict":     {Min: 1, Target: 2, Max: 20},
				"watchdog":   {Min: 1, Target: 2, Max: 20},
			},
			ScaleUpThreshold:    0.7,
			ScaleDownThreshold:  0.3,
			ScaleUpCooldown:     60 * time.Second,
			ScaleDownCooldown:   300 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			MaxIdle:             600 * time.Second,
			LoadBalancing:       "least_loaded",
		},
		Consensus: ConsensusConfig{
			MinClusterSize:     7,
			OptimalClusterSize: 12,
			MaxClusterSize:     20,
			DefaultMinimum:     0.6,
			DefaultTimeout:     30 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:       30 * time.Second,
			HistoryLimit:   1000,
			EnablePromSink: true,
		},
		Crypto: CryptoConfig{ShamirTimeout: 10 * time.Second},
		Scaling: ScalingConfig{
			Interval:         30 * time.Second,
			CPUCritical:      90,
			MemoryCritical:   95,
			ResponseWarnMs:   1000,
			EnablePredictor:  false,
			PredictorTrigger: 0.8,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the components cannot start with.
// Violations are fatal at startup.
func (c *Config) Validate() error {
	if c.Consensus.MinClusterSize <= 0 || c.Consensus.MaxClusterSize <= 0 {
		return fmt.Errorf("config: cluster size bounds must be positive")
	}
	if c.Consensus.MinClusterSize > c.Consensus.MaxClusterSize {
		return fmt.Errorf("config: min_cluster_size %d > max_cluster_size %d",
			c.Consensus.MinClusterSize, c.Consensus.MaxClusterSize)
	}
	if c.Consensus.OptimalClusterSize < c.Consensus.MinClusterSize ||
		c.Consensus.OptimalClusterSize > c.Consensus.MaxClusterSize {
		return fmt.Errorf("config: optimal_cluster_size %d outside [%d,%d]",
			c.Consensus.OptimalClusterSize, c.Consensus.MinClusterSize, c.Consensus.MaxClusterSize)
	}
	for name, tc := range c.Pool.Types {
		if tc.Min < 0 || tc.Max < tc.Min {
			return fmt.Errorf("config: pool type %q has invalid bounds min=%d max=%d", name, tc.Min, tc.Max)
		}
		if tc.Target < tc.Min || tc.Target > tc.Max {
			return fmt.Errorf("config: pool type %q target %d outside [%d,%d]", name, tc.Target, tc.Min, tc.Max)
		}
	}
	if c.Monitor.Interval <= 0 || c.Scaling.Interval <= 0 {
		return fmt.Errorf("config: monitor and scaling intervals must be positive")
	}
	switch c.Pool.LoadBalancing {
	case "round_robin", "least_loaded", "weighted_random":
	default:
		return fmt.Errorf("config: unknown load_balancing strategy %q", c.Pool.LoadBalancing)
	}
	return nil
}
