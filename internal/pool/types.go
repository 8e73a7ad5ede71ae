package pool

import (
	"errors"
	"time"

	"github.com/vaultik/backend/internal/agent"
)

// Status is an agent's lifecycle state inside the pool.
type Status int

const (
	StatusStarting Status = iota
	StatusReady
	StatusIdle
	StatusBusy
	StatusDraining
	StatusStopping
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "STARTING"
	case StatusReady:
		return "READY"
	case StatusIdle:
		return "IDLE"
	case StatusBusy:
		return "BUSY"
	case StatusDraining:
		return "DRAINING"
	case StatusStopping:
		return "STOPPING"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrNoAgentAvailable = errors.New("pool: no agent available")
	ErrCooldownActive   = errors.New("pool: scaling cooldown active")
	ErrAtCapacity       = errors.New("pool: type at max capacity")
	ErrAtMinimum        = errors.New("pool: type at min capacity")
	ErrAgentNotFound    = errors.New("pool: agent not found")
	ErrPoolInactive     = errors.New("pool: not initialized")
)

// Instance is the pool's record of one live agent. Exclusively owned by
// the pool; other components hold agent ids only.
type Instance struct {
	AgentID      string     `json:"agent_id"`
	Type         agent.Type `json:"type"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`

	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`

	CurrentLoad   float64 `json:"current_load"`    // [0,1]
	AvgResponseMs float64 `json:"avg_response_ms"`
	HealthScore   float64 `json:"health_score"` // [0,1]

	worker *agent.Agent
}

// ScaleDirection tags a scaling event.
type ScaleDirection int

const (
	ScaleUp ScaleDirection = iota
	ScaleDown
)

func (d ScaleDirection) String() string {
	if d == ScaleUp {
		return "UP"
	}
	return "DOWN"
}

// ScalingEvent records one attempted or completed change in agent count.
type ScalingEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      agent.Type     `json:"type"`
	Direction ScaleDirection `json:"direction"`
	Requested int            `json:"requested"`
	Applied   int            `json:"applied"`
	Reason    string         `json:"reason"`
}

// TypeCounts bounds one agent type's population.
type TypeCounts struct {
	Min    int
	Target int
	Max    int
}

// Config is the pool's operating configuration.
type Config struct {
	Types map[agent.Type]TypeCounts

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleUpCooldown    time.Duration
	ScaleDownCooldown  time.Duration

	HealthCheckInterval time.Duration
	MaxIdle             time.Duration

	Strategy Strategy
}

// DefaultConfig returns the documented operating points.
func DefaultConfig() Config {
	return Config{
		Types: map[agent.Type]TypeCounts{
			agent.TypeNeutral:    {Min: 2, Target: 4, Max: 40},
			agent.TypePermissive: {Min: 1, Target: 2, Max: 20},
			agent.TypeStrict:     {Min: 1, Target: 2, Max: 20},
			agent.TypeWatchdog:   {Min: 1, Target: 2, Max: 20},
		},
		ScaleUpThreshold:    0.7,
		ScaleDownThreshold:  0.3,
		ScaleUpCooldown:     60 * time.Second,
		ScaleDownCooldown:   300 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		MaxIdle:             600 * time.Second,
		Strategy:            StrategyLeastLoaded,
	}
}

// AgentStats is the per-agent view handed to the performance monitor.
type AgentStats struct {
	AgentID       string
	Type          agent.Type
	Status        Status
	CurrentLoad   float64
	AvgResponseMs float64
	HealthScore   float64
	Total         int64
	Failed        int64
}
