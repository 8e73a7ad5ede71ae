package scaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vaultik/backend/internal/agent"
	"github.com/vaultik/backend/internal/config"
	"github.com/vaultik/backend/internal/events"
	"github.com/vaultik/backend/internal/monitor"
)

const maxActionHistory = 100

// Scaling reasons recorded with each action.
const (
	ReasonCriticalHealth = "critical_system_health"
	ReasonHighLoad       = "high_load"
	ReasonLowUtilization = "low_utilization"
	ReasonPredictedLoad  = "predicted_load"
	ReasonManual         = "manual"
)

// Pool is the coordinator's view of C4.
type Pool interface {
	ScaleUp(t agent.Type, n int, reason string) (int, error)
	ScaleDown(t agent.Type, n int, reason string) (int, error)
	Count() int
	MaxAgents() int
	AgentIDs() []string
}

// Clusterer is the coordinator's view of C5.
type Clusterer interface {
	Recluster(agentIDs []string) error
}

// Health is the coordinator's view of C6.
type Health interface {
	Latest() monitor.SystemHealth
	Collect() monitor.SystemHealth
	History(name string) []float64
}

// Action records one coordinator decision.
type Action struct {
	Timestamp    time.Time           `json:"timestamp"`
	Action       string              `json:"action"` // scale_up, scale_down, none
	Type         agent.Type          `json:"type"`
	Amount       int                 `json:"amount"`
	Applied      int                 `json:"applied"`
	Reason       string              `json:"reason"`
	HealthBefore monitor.HealthLevel `json:"health_before"`
}

// Coordinator closes the loop between the monitor, the pool and the
// consensus clustering.
type Coordinator struct {
	mu      sync.Mutex
	cfg     config.ScalingConfig
	pool    Pool
	cluster Clusterer
	health  Health

	predictor *LoadPredictor
	actions   []Action
	emitter   events.EventEmitter

	stopCh chan struct{}
	loop   sync.WaitGroup
	once   sync.Once
}

// NewCoordinator wires the control loop. The predictor is attached only
// when enabled in configuration.
func NewCoordinator(cfg config.ScalingConfig, p Pool, c Clusterer, h Health, emitter events.EventEmitter) *Coordinator {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	coord := &Coordinator{
		cfg:     cfg,
		pool:    p,
		cluster: c,
		health:  h,
		emitter: emitter,
		stopCh:  make(chan struct{}),
	}
	if cfg.EnablePredictor {
		coord.predictor = NewLoadPredictor(10)
	}
	return coord
}

// Start launches the background control loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.loop.Add(1)
	go func() {
		defer c.loop.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Tick()
			}
		}
	}()
}

// Stop halts the control loop.
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.loop.Wait()
}

// Tick runs one control cycle: classify health, pick the first matching
// rule, execute it through the pool and recluster on any membership
// change.
func (c *Coordinator) Tick() Action {
	h := c.health.Latest()

	action := Action{
		Timestamp:    time.Now(),
		Action:       "none",
		Type:         agent.TypeNeutral,
		HealthBefore: h.Level,
	}

	switch {
	case h.Level == monitor.HealthCritical ||
		h.CPUPercent >= c.cfg.CPUCritical ||
		h.MemoryPercent >= c.cfg.MemoryCritical:
		action.Action = "scale_up"
		action.Amount = 3
		action.Reason = ReasonCriticalHealth

	case h.Level == monitor.HealthDegraded || h.AvgResponseMs > c.cfg.ResponseWarnMs:
		action.Action = "scale_up"
		action.Amount = 2
		action.Reason = ReasonHighLoad

	case h.Level == monitor.HealthExcellent &&
		h.CPUPercent < 30 && h.MemoryPercent < 40 && h.ActiveAgents > 20:
		action.Action = "scale_down"
		action.Amount = 1
		action.Reason = ReasonLowUtilization
	}

	if action.Action == "none" && c.predictor != nil {
		predicted := c.predictor.Predict(c.health.History("cpu_percent"), c.health.History("avg_response_ms"))
		if predicted > c.cfg.PredictorTrigger && float64(c.pool.Count()) < 0.8*float64(c.pool.MaxAgents()) {
			action.Action = "scale_up"
			action.Amount = 1
			action.Reason = ReasonPredictedLoad
		}
	}

	c.execute(&action)
	c.record(action)
	return action
}

func (c *Coordinator) execute(action *Action) {
	var err error
	switch action.Action {
	case "scale_up":
		action.Applied, err = c.pool.ScaleUp(action.Type, action.Amount, action.Reason)
	case "scale_down":
		action.Applied, err = c.pool.ScaleDown(action.Type, action.Amount, action.Reason)
	default:
		return
	}
	if err != nil {
		slog.Debug("scaling action not applied", "action", action.Action, "reason", action.Reason, "err", err)
	}
	if action.Applied > 0 {
		if err := c.cluster.Recluster(c.pool.AgentIDs()); err != nil {
			slog.Error("reclustering after scaling failed", "err", err)
		}
		slog.Info("scaling action applied",
			"action", action.Action, "type", action.Type.String(),
			"amount", action.Applied, "reason", action.Reason)
		c.emitter.Emit(events.TypeScalingAction, "coordinator", action.Reason, map[string]interface{}{
			"action": action.Action,
			"type":   action.Type.String(),
			"amount": action.Applied,
			"reason": action.Reason,
			"health": action.HealthBefore.String(),
		})
	}
}

// Manual applies an operator-requested scaling action and reclusters.
func (c *Coordinator) Manual(t agent.Type, direction string, n int) (int, error) {
	action := Action{
		Timestamp:    time.Now(),
		Action:       direction,
		Type:         t,
		Amount:       n,
		Reason:       ReasonManual,
		HealthBefore: c.health.Latest().Level,
	}
	var (
		applied int
		err     error
	)
	switch direction {
	case "scale_down":
		applied, err = c.pool.ScaleDown(t, n, ReasonManual)
	default:
		action.Action = "scale_up"
		applied, err = c.pool.ScaleUp(t, n, ReasonManual)
	}
	action.Applied = applied
	if applied > 0 {
		if rerr := c.cluster.Recluster(c.pool.AgentIDs()); rerr != nil {
			slog.Error("reclustering after manual scaling failed", "err", rerr)
		}
	}
	c.record(action)
	return applied, err
}

func (c *Coordinator) record(a Action) {
	c.mu.Lock()
	c.actions = append(c.actions, a)
	if len(c.actions) > maxActionHistory {
		c.actions = c.actions[len(c.actions)-maxActionHistory:]
	}
	c.mu.Unlock()
}

// History returns a copy of the bounded action ring.
func (c *Coordinator) History() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Action(nil), c.actions...)
}
