package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultik/backend/internal/agent"
	"github.com/vaultik/backend/internal/config"
	"github.com/vaultik/backend/internal/events"
)

const maxScalingEvents = 1000

// Manager owns the agent population: lifecycle, health, load-balanced
// dispatch and per-type scaling.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Instance
	cfg    Config

	rrIndex int

	lastScaleUp   map[agent.Type]time.Time
	lastScaleDown map[agent.Type]time.Time
	scalingEvents []ScalingEvent

	active   bool
	stopCh   chan struct{}
	loops    sync.WaitGroup
	emitter  events.EventEmitter
	onChange func(agentIDs []string)
}

// NewManager creates an inactive pool. Call InitializePool to populate it
// and start the background tasks.
func NewManager(cfg Config, emitter events.EventEmitter) *Manager {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Manager{
		agents:        make(map[string]*Instance),
		cfg:           cfg,
		lastScaleUp:   make(map[agent.Type]time.Time),
		lastScaleDown: make(map[agent.Type]time.Time),
		stopCh:        make(chan struct{}),
		emitter:       emitter,
	}
}

// FromConfig translates the YAML pool section into a typed pool Config.
func FromConfig(pc config.PoolConfig) (Config, error) {
	cfg := DefaultConfig()
	if len(pc.Types) > 0 {
		cfg.Types = make(map[agent.Type]TypeCounts, len(pc.Types))
		for name, tc := range pc.Types {
			t, err := agent.ParseType(name)
			if err != nil {
				return Config{}, err
			}
			cfg.Types[t] = TypeCounts{Min: tc.Min, Target: tc.Target, Max: tc.Max}
		}
	}
	if pc.ScaleUpThreshold > 0 {
		cfg.ScaleUpThreshold = pc.ScaleUpThreshold
	}
	if pc.ScaleDownThreshold > 0 {
		cfg.ScaleDownThreshold = pc.ScaleDownThreshold
	}
	if pc.ScaleUpCooldown > 0 {
		cfg.ScaleUpCooldown = pc.ScaleUpCooldown
	}
	if pc.ScaleDownCooldown > 0 {
		cfg.ScaleDownCooldown = pc.ScaleDownCooldown
	}
	if pc.HealthCheckInterval > 0 {
		cfg.HealthCheckInterval = pc.HealthCheckInterval
	}
	if pc.MaxIdle > 0 {
		cfg.MaxIdle = pc.MaxIdle
	}
	if pc.LoadBalancing != "" {
		s, err := ParseStrategy(pc.LoadBalancing)
		if err != nil {
			return Config{}, err
		}
		cfg.Strategy = s
	}
	return cfg, nil
}

// SetMembershipListener registers the callback invoked, outside the pool
// lock, after any change to the agent population. The consensus engine
// uses it to recluster.
func (m *Manager) SetMembershipListener(fn func(agentIDs []string)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// InitializePool creates the target number of agents of each type in
// parallel, starts the health check and auto scale loops and marks the
// pool active.
func (m *Manager) InitializePool(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return fmt.Errorf("pool: already initialized")
	}
	m.active = true
	types := m.cfg.Types
	m.mu.Unlock()

	var wg sync.WaitGroup
	for t, counts := range types {
		wg.Add(1)
		go func(t agent.Type, n int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				m.createAgent(t)
			}
		}(t, counts.Target)
	}
	wg.Wait()

	m.loops.Add(2)
	go m.healthCheckLoop()
	go m.autoScaleLoop()

	slog.Info("agent pool initialized", "agents", m.Count())
	m.notifyMembership()
	return nil
}

// createAgent constructs one agent and registers it Ready. Returns its id.
func (m *Manager) createAgent(t agent.Type) string {
	id := fmt.Sprintf("agent-%s-%s", t, uuid.NewString()[:8])
	now := time.Now()
	inst := &Instance{
		AgentID:      id,
		Type:         t,
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
		HealthScore:  1.0,
		worker:       agent.New(id, t),
	}
	// Construction is in-process and cheap, so the instance is Ready as
	// soon as it is registered.
	inst.Status = StatusReady

	m.mu.Lock()
	m.agents[id] = inst
	m.mu.Unlock()

	m.emitter.Emit(events.TypeAgentCreated, "pool", id, map[string]interface{}{
		"agent_id": id,
		"type":     t.String(),
	})
	return id
}

// dispatchable reports whether an instance can take a request right
// now: Ready or Idle with health above 0.5.
func dispatchable(inst *Instance) bool {
	if inst.Status != StatusReady && inst.Status != StatusIdle {
		return false
	}
	return inst.HealthScore > 0.5
}

// markBusyLocked transitions a chosen instance into the dispatched
// state. Must be called with the pool lock held.
func (m *Manager) markBusyLocked(inst *Instance) {
	inst.Status = StatusBusy
	inst.LastActivity = time.Now()
	inst.CurrentLoad = clampUnit(inst.CurrentLoad + 0.1)
}

// GetAvailableAgent picks a dispatchable agent, optionally restricted
// to one type, marks it Busy and returns its id.
func (m *Manager) GetAvailableAgent(t *agent.Type) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return "", ErrPoolInactive
	}

	var eligible []*Instance
	for _, inst := range m.agents {
		if !dispatchable(inst) {
			continue
		}
		if t != nil && inst.Type != *t {
			continue
		}
		eligible = append(eligible, inst)
	}
	if len(eligible) == 0 {
		return "", ErrNoAgentAvailable
	}

	chosen := m.pick(eligible)
	m.markBusyLocked(chosen)
	return chosen.AgentID, nil
}

// DispatchAmong picks a dispatchable agent among the given ids with the
// configured balancing strategy, marks it Busy and returns its id and
// decision worker. The consensus engine dispatches every cluster vote
// through here, so a saturated pool surfaces as ErrNoAgentAvailable and
// a lost vote rather than an unaccounted decision.
func (m *Manager) DispatchAmong(agentIDs []string) (string, *agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return "", nil, ErrPoolInactive
	}

	var eligible []*Instance
	for _, id := range agentIDs {
		inst, ok := m.agents[id]
		if !ok {
			continue
		}
		if dispatchable(inst) {
			eligible = append(eligible, inst)
		}
	}
	if len(eligible) == 0 {
		return "", nil, ErrNoAgentAvailable
	}

	chosen := m.pick(eligible)
	m.markBusyLocked(chosen)
	return chosen.AgentID, chosen.worker, nil
}

// ReleaseAgent returns a dispatched agent to the pool, updating its
// counters and running response-time mean.
func (m *Manager) ReleaseAgent(agentID string, processingMs float64, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}

	inst.Total++
	if success {
		inst.Successful++
	} else {
		inst.Failed++
	}
	inst.AvgResponseMs += (processingMs - inst.AvgResponseMs) / float64(inst.Total)

	inst.CurrentLoad -= 0.1
	if inst.CurrentLoad < 0 {
		inst.CurrentLoad = 0
	}
	if inst.CurrentLoad < 0.1 {
		inst.Status = StatusIdle
	} else {
		inst.Status = StatusReady
	}
	inst.LastActivity = time.Now()
	return nil
}

// RemoveAgent marks the agent Stopping and drops it from the pool.
func (m *Manager) RemoveAgent(agentID, reason string) error {
	m.mu.Lock()
	inst, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	inst.Status = StatusStopping
	delete(m.agents, agentID)
	m.mu.Unlock()

	m.emitter.Emit(events.TypeAgentRemoved, "pool", agentID, map[string]interface{}{
		"agent_id": agentID,
		"type":     inst.Type.String(),
		"reason":   reason,
	})
	slog.Info("agent removed", "agent", agentID, "reason", reason)
	m.notifyMembership()
	return nil
}

// ============================================================================
// SCALING
// ============================================================================

// ScaleUp adds up to n agents of the given type, honoring the per-type
// max and the scale-up cooldown. Returns the number actually added.
func (m *Manager) ScaleUp(t agent.Type, n int, reason string) (int, error) {
	m.mu.Lock()
	counts, ok := m.cfg.Types[t]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("pool: no bounds configured for type %s", t)
	}
	if time.Since(m.lastScaleUp[t]) < m.cfg.ScaleUpCooldown {
		m.recordEventLocked(t, ScaleUp, n, 0, reason+" (cooldown)")
		m.mu.Unlock()
		return 0, ErrCooldownActive
	}
	current := m.countTypeLocked(t)
	room := counts.Max - current
	if room <= 0 {
		m.recordEventLocked(t, ScaleUp, n, 0, reason+" (at max)")
		m.mu.Unlock()
		return 0, ErrAtCapacity
	}
	if n > room {
		n = room
	}
	m.lastScaleUp[t] = time.Now()
	m.recordEventLocked(t, ScaleUp, n, n, reason)
	m.mu.Unlock()

	for i := 0; i < n; i++ {
		m.createAgent(t)
	}
	m.emitter.Emit(events.TypeScalingAction, "pool", t.String(), map[string]interface{}{
		"direction": "UP",
		"type":      t.String(),
		"amount":    n,
		"reason":    reason,
	})
	slog.Info("scaled up", "type", t.String(), "added", n, "reason", reason)
	m.notifyMembership()
	return n, nil
}

// ScaleDown removes up to n agents of the given type, preferring idle
// ones, honoring the per-type min and the scale-down cooldown.
func (m *Manager) ScaleDown(t agent.Type, n int, reason string) (int, error) {
	m.mu.Lock()
	counts, ok := m.cfg.Types[t]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("pool: no bounds configured for type %s", t)
	}
	if time.Since(m.lastScaleDown[t]) < m.cfg.ScaleDownCooldown {
		m.recordEventLocked(t, ScaleDown, n, 0, reason+" (cooldown)")
		m.mu.Unlock()
		return 0, ErrCooldownActive
	}
	current := m.countTypeLocked(t)
	room := current - counts.Min
	if room <= 0 {
		m.recordEventLocked(t, ScaleDown, n, 0, reason+" (at min)")
		m.mu.Unlock()
		return 0, ErrAtMinimum
	}
	if n > room {
		n = room
	}

	victims := m.pickVictimsLocked(t, n)
	for _, inst := range victims {
		inst.Status = StatusDraining
	}
	m.lastScaleDown[t] = time.Now()
	m.recordEventLocked(t, ScaleDown, n, len(victims), reason)
	m.mu.Unlock()

	for _, inst := range victims {
		m.RemoveAgent(inst.AgentID, reason)
	}
	m.emitter.Emit(events.TypeScalingAction, "pool", t.String(), map[string]interface{}{
		"direction": "DOWN",
		"type":      t.String(),
		"amount":    len(victims),
		"reason":    reason,
	})
	slog.Info("scaled down", "type", t.String(), "removed", len(victims), "reason", reason)
	return len(victims), nil
}

// pickVictimsLocked chooses the n least useful agents of a type for
// removal: idle first, then lowest load.
func (m *Manager) pickVictimsLocked(t agent.Type, n int) []*Instance {
	var candidates []*Instance
	for _, inst := range m.agents {
		if inst.Type == t && inst.Status != StatusBusy && inst.Status != StatusDraining {
			candidates = append(candidates, inst)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if (candidates[i].Status == StatusIdle) != (candidates[j].Status == StatusIdle) {
			return candidates[i].Status == StatusIdle
		}
		return candidates[i].CurrentLoad < candidates[j].CurrentLoad
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

func (m *Manager) recordEventLocked(t agent.Type, d ScaleDirection, requested, applied int, reason string) {
	m.scalingEvents = append(m.scalingEvents, ScalingEvent{
		Timestamp: time.Now(),
		Type:      t,
		Direction: d,
		Requested: requested,
		Applied:   applied,
		Reason:    reason,
	})
	if len(m.scalingEvents) > maxScalingEvents {
		m.scalingEvents = m.scalingEvents[len(m.scalingEvents)-maxScalingEvents:]
	}
}

// ScalingHistory returns a copy of the bounded scaling event ring.
func (m *Manager) ScalingHistory() []ScalingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ScalingEvent(nil), m.scalingEvents...)
}

// ============================================================================
// BACKGROUND LOOPS
// ============================================================================

func (m *Manager) healthCheckLoop() {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runHealthCheck()
		}
	}
}

// runHealthCheck rescores every agent and removes the ones that fell
// below the failure threshold, scaling back up to min if needed.
func (m *Manager) runHealthCheck() {
	now := time.Now()
	var failed []string

	m.mu.Lock()
	for _, inst := range m.agents {
		inst.HealthScore = healthScore(inst, now, m.cfg.MaxIdle)
		if inst.HealthScore < 0.3 && inst.Status != StatusDraining && inst.Status != StatusStopping {
			inst.Status = StatusFailed
			failed = append(failed, inst.AgentID)
		}
	}
	m.mu.Unlock()

	for _, id := range failed {
		slog.Warn("agent failed health check", "agent", id)
		m.RemoveAgent(id, "health_failure")
	}

	// Replace removals that pushed a type below its minimum.
	m.mu.RLock()
	deficits := make(map[agent.Type]int)
	for t, counts := range m.cfg.Types {
		if have := m.countTypeLocked(t); have < counts.Min {
			deficits[t] = counts.Min - have
		}
	}
	m.mu.RUnlock()
	for t, n := range deficits {
		for i := 0; i < n; i++ {
			m.createAgent(t)
		}
		m.notifyMembership()
	}
}

// healthScore is the mean of four factors: response time, success rate,
// spare capacity and recency of activity.
func healthScore(inst *Instance, now time.Time, maxIdle time.Duration) float64 {
	responseFactor := 1 - inst.AvgResponseMs/5000
	if responseFactor < 0 {
		responseFactor = 0
	}
	successRate := 1.0
	if inst.Total > 0 {
		successRate = float64(inst.Successful) / float64(inst.Total)
	}
	loadFactor := 1 - inst.CurrentLoad
	if loadFactor < 0 {
		loadFactor = 0
	}
	idleFactor := 1.0
	if now.Sub(inst.LastActivity) > maxIdle {
		idleFactor = 0.5
	}
	return (responseFactor + successRate + loadFactor + idleFactor) / 4
}

func (m *Manager) autoScaleLoop() {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runAutoScale()
		}
	}
}

// runAutoScale reacts to per-type average load crossing the configured
// thresholds. Cooldown and bounds violations are swallowed here; the
// next tick retries.
func (m *Manager) runAutoScale() {
	m.mu.RLock()
	loads := make(map[agent.Type]float64)
	counts := make(map[agent.Type]int)
	for _, inst := range m.agents {
		loads[inst.Type] += inst.CurrentLoad
		counts[inst.Type]++
	}
	m.mu.RUnlock()

	for t, n := range counts {
		if n == 0 {
			continue
		}
		avg := loads[t] / float64(n)
		switch {
		case avg > m.cfg.ScaleUpThreshold:
			m.ScaleUp(t, 1, "load_above_threshold")
		case avg < m.cfg.ScaleDownThreshold:
			m.ScaleDown(t, 1, "load_below_threshold")
		}
	}
}

// ============================================================================
// VIEWS
// ============================================================================

// Count returns the total number of live agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// CountByType returns the live agent count per type.
func (m *Manager) CountByType() map[agent.Type]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[agent.Type]int)
	for _, inst := range m.agents {
		out[inst.Type]++
	}
	return out
}

func (m *Manager) countTypeLocked(t agent.Type) int {
	n := 0
	for _, inst := range m.agents {
		if inst.Type == t {
			n++
		}
	}
	return n
}

// AgentIDs returns a sorted snapshot of live agent ids.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Stats returns a copy of every agent's current stats for the monitor.
func (m *Manager) Stats() []AgentStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentStats, 0, len(m.agents))
	for _, inst := range m.agents {
		out = append(out, AgentStats{
			AgentID:       inst.AgentID,
			Type:          inst.Type,
			Status:        inst.Status,
			CurrentLoad:   inst.CurrentLoad,
			AvgResponseMs: inst.AvgResponseMs,
			HealthScore:   inst.HealthScore,
			Total:         inst.Total,
			Failed:        inst.Failed,
		})
	}
	return out
}

// MaxAgents returns the sum of per-type max counts.
func (m *Manager) MaxAgents() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, counts := range m.cfg.Types {
		total += counts.Max
	}
	return total
}

// Snapshot returns a copy of every instance record, sorted by id.
func (m *Manager) Snapshot() []Instance {
	m.mu.RLock()
	out := make([]Instance, 0, len(m.agents))
	for _, inst := range m.agents {
		c := *inst
		c.worker = nil
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (m *Manager) notifyMembership() {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn(m.AgentIDs())
	}
}

// Shutdown drains the pool: stops the background loops, marks every
// agent Draining then Stopping and empties the registry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	close(m.stopCh)
	for _, inst := range m.agents {
		inst.Status = StatusDraining
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	for id, inst := range m.agents {
		inst.Status = StatusStopping
		delete(m.agents, id)
	}
	m.mu.Unlock()
	slog.Info("agent pool shut down")
	return nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
