package consensus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaultik/backend/internal/agent"
	"github.com/vaultik/backend/internal/config"
	"github.com/vaultik/backend/internal/events"
)

const maxPartitionHistory = 100

// Phase deadline shares of the request timeout.
const (
	intraShare = 0.6
	interShare = 0.2
	finalShare = 0.2
)

// VoterRegistry is the engine's view of the agent pool. The engine holds
// agent ids only; the pool owns the workers and their dispatch
// accounting. Every vote is a dispatch-decide-release cycle.
type VoterRegistry interface {
	DispatchAmong(agentIDs []string) (string, *agent.Agent, error)
	ReleaseAgent(agentID string, processingMs float64, success bool) error
}

// Config is the engine's operating configuration.
type Config struct {
	MinClusterSize     int
	OptimalClusterSize int
	MaxClusterSize     int
	DefaultMinimum     float64
	DefaultTimeout     time.Duration
}

// DefaultEngineConfig returns the documented operating points.
func DefaultEngineConfig() Config {
	return Config{
		MinClusterSize:     7,
		OptimalClusterSize: 12,
		MaxClusterSize:     20,
		DefaultMinimum:     0.6,
		DefaultTimeout:     30 * time.Second,
	}
}

// EngineConfigFrom translates the YAML consensus section.
func EngineConfigFrom(cc config.ConsensusConfig) Config {
	cfg := DefaultEngineConfig()
	if cc.MinClusterSize > 0 {
		cfg.MinClusterSize = cc.MinClusterSize
	}
	if cc.OptimalClusterSize > 0 {
		cfg.OptimalClusterSize = cc.OptimalClusterSize
	}
	if cc.MaxClusterSize > 0 {
		cfg.MaxClusterSize = cc.MaxClusterSize
	}
	if cc.DefaultMinimum > 0 {
		cfg.DefaultMinimum = cc.DefaultMinimum
	}
	if cc.DefaultTimeout > 0 {
		cfg.DefaultTimeout = cc.DefaultTimeout
	}
	return cfg
}

// Engine runs hierarchical consensus over the clustered agent
// population.
type Engine struct {
	mu           sync.RWMutex
	cfg          Config
	clusters     map[string]*Cluster
	agentCluster map[string]string
	coordinators map[string]bool
	initialized  bool

	rebalanceNeeded  bool
	partitionHistory []PartitionInfo

	pending atomic.Int64

	voters  VoterRegistry
	emitter events.EventEmitter
}

// NewEngine creates an engine over the given voter registry. Clustering
// must be initialized before the first request.
func NewEngine(cfg Config, voters VoterRegistry, emitter events.EventEmitter) *Engine {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Engine{
		cfg:          cfg,
		clusters:     make(map[string]*Cluster),
		agentCluster: make(map[string]string),
		coordinators: make(map[string]bool),
		voters:       voters,
		emitter:      emitter,
	}
}

// PendingDecisions reports how many consensus requests are in flight.
func (e *Engine) PendingDecisions() int {
	return int(e.pending.Load())
}

// clusterView is the immutable per-request snapshot of one cluster.
type clusterView struct {
	id      string
	leader  string
	members []string
}

// ExecuteHierarchicalConsensus runs the four consensus phases. Cluster
// failures degrade the result; the only error returned is the
// not-initialized precondition.
func (e *Engine) ExecuteHierarchicalConsensus(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	if !e.initialized || len(e.clusters) == 0 {
		e.mu.RUnlock()
		return Result{}, ErrNotInitialized
	}
	views := make([]clusterView, 0, len(e.clusters))
	required := make(map[string]bool, len(req.RequiredClusters))
	for _, id := range req.RequiredClusters {
		required[id] = true
	}
	for _, c := range e.sortedClustersLocked() {
		if len(required) > 0 && !required[c.ClusterID] {
			continue
		}
		views = append(views, clusterView{id: c.ClusterID, leader: c.LeaderID, members: c.MemberIDs()})
	}
	total := len(e.clusters)
	e.mu.RUnlock()

	e.pending.Add(1)
	defer e.pending.Add(-1)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	minimum := req.MinimumConsensus
	if minimum <= 0 {
		minimum = e.cfg.DefaultMinimum
	}

	start := time.Now()
	result := Result{
		RequestID:        req.RequestID,
		ClusterDecisions: make(map[string]ClusterDecision, len(views)),
	}

	// Phase 1: intra-cluster votes, all clusters in parallel.
	intraCtx, cancel := context.WithTimeout(ctx, time.Duration(float64(timeout)*intraShare))
	phaseStart := time.Now()
	decisions := make([]ClusterDecision, len(views))
	var wg sync.WaitGroup
	for i, view := range views {
		wg.Add(1)
		go func(i int, view clusterView) {
			defer wg.Done()
			decisions[i] = e.clusterVote(intraCtx, view, req.Payload)
		}(i, view)
	}
	wg.Wait()
	cancel()
	for _, d := range decisions {
		result.ClusterDecisions[d.ClusterID] = d
	}
	result.PhaseRecords = append(result.PhaseRecords, PhaseRecord{
		Phase:    PhaseIntraCluster,
		Duration: time.Since(phaseStart),
	})

	// Phase 2: weighted inter-cluster aggregation.
	phaseStart = time.Now()
	winner, confidence, participating := aggregate(decisions)
	result.PhaseRecords = append(result.PhaseRecords, PhaseRecord{
		Phase:    PhaseInterCluster,
		Duration: time.Since(phaseStart),
		Detail:   winner,
	})

	// Phase 3: global threshold check.
	phaseStart = time.Now()
	result.GlobalConfidence = confidence
	switch {
	case participating == 0:
		result.FinalDecision = DecisionConsensusFailed
	case confidence >= minimum:
		result.FinalDecision = winner
		result.ConsensusReached = true
	default:
		result.FinalDecision = DecisionInsufficientConsensus
	}
	result.PhaseRecords = append(result.PhaseRecords, PhaseRecord{
		Phase:    PhaseGlobal,
		Duration: time.Since(phaseStart),
		Detail:   result.FinalDecision,
	})

	// Phase 4: finalize cluster health and heartbeats.
	phaseStart = time.Now()
	e.finalizeClusters(decisions)
	result.Partition = e.assessPartition(participating, total)
	result.PhaseRecords = append(result.PhaseRecords, PhaseRecord{
		Phase:    PhaseFinalize,
		Duration: time.Since(phaseStart),
	})

	result.ProcessingTime = time.Since(start)

	e.emitter.Emit(events.TypeConsensusResult, "consensus", req.RequestID, map[string]interface{}{
		"request_id":        req.RequestID,
		"decision":          result.FinalDecision,
		"confidence":        result.GlobalConfidence,
		"consensus_reached": result.ConsensusReached,
		"clusters":          participating,
		"processing_ms":     result.ProcessingTime.Milliseconds(),
	})
	return result, nil
}

// clusterVote gathers one vote per cluster member and tallies a
// majority. Each member is acquired through the pool, so a member that
// cannot be dispatched (vanished, unhealthy, or busy until the end of
// the round) is a lost vote, not a cluster failure. Any other failure
// collapses to an ERROR decision with zero confidence rather than an
// engine error.
func (e *Engine) clusterVote(ctx context.Context, view clusterView, payload agent.Request) (cd ClusterDecision) {
	cd = ClusterDecision{
		ClusterID:        view.id,
		Decision:         DecisionError,
		LeaderID:         view.leader,
		MemberCount:      len(view.members),
		VoteDistribution: make(map[string]int),
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cluster vote panicked", "cluster", view.id, "panic", r)
			cd.Decision = DecisionError
			cd.Confidence = 0
		}
	}()

	voters := 0
	pending := append([]string(nil), view.members...)
	for len(pending) > 0 {
		if ctx.Err() != nil {
			break
		}
		id, worker, err := e.voters.DispatchAmong(pending)
		if err != nil {
			// No remaining member is dispatchable; the rest are lost votes.
			break
		}
		voteStart := time.Now()
		decision := worker.Decide(ctx, payload)
		ms := float64(time.Since(voteStart).Microseconds()) / 1000
		e.voters.ReleaseAgent(id, ms, decision.Outcome != agent.OutcomeError)

		cd.VoteDistribution[decision.Outcome.String()]++
		voters++
		pending = removeID(pending, id)
	}

	if voters == 0 {
		return cd
	}
	cd.VoterCount = voters

	// Deterministic winner: highest count, lexicographic tiebreak.
	outcomes := make([]string, 0, len(cd.VoteDistribution))
	for o := range cd.VoteDistribution {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	best, bestCount := "", -1
	for _, o := range outcomes {
		if cd.VoteDistribution[o] > bestCount {
			best, bestCount = o, cd.VoteDistribution[o]
		}
	}
	cd.Decision = best
	cd.Confidence = float64(bestCount) / float64(voters)
	return cd
}

// removeID drops the first occurrence of id from ids in place.
func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// aggregate runs the weighted inter-cluster vote. Weight is cluster
// member count, so a cluster that lost voters mid-round still speaks
// with its full size; a cluster contributes confidence times weight to
// its decision. The winner's confidence is its contribution over the
// total weight of all successful clusters.
func aggregate(decisions []ClusterDecision) (winner string, confidence float64, participating int) {
	contributions := make(map[string]float64)
	totalWeight := 0.0
	for _, d := range decisions {
		if d.Decision == DecisionError {
			continue
		}
		weight := float64(d.MemberCount)
		contributions[d.Decision] += d.Confidence * weight
		totalWeight += weight
		participating++
	}
	if participating == 0 || totalWeight == 0 {
		return "", 0, 0
	}

	outcomes := make([]string, 0, len(contributions))
	for o := range contributions {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	best := -1.0
	for _, o := range outcomes {
		if contributions[o] > best {
			winner, best = o, contributions[o]
		}
	}
	return winner, best / totalWeight, participating
}

// finalizeClusters rewards every successfully participating cluster
// with a health bump and a fresh heartbeat.
func (e *Engine) finalizeClusters(decisions []ClusterDecision) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range decisions {
		if d.Decision == DecisionError {
			continue
		}
		c, ok := e.clusters[d.ClusterID]
		if !ok {
			continue
		}
		c.Health += 0.1
		if c.Health > 1 {
			c.Health = 1
		}
		c.LastHeartbeat = now
	}
}

// assessPartition classifies connectivity from the participation ratio
// and records it in the bounded history ring.
func (e *Engine) assessPartition(participating, total int) PartitionInfo {
	ratio := 0.0
	if total > 0 {
		ratio = float64(participating) / float64(total)
	}

	info := PartitionInfo{
		ParticipationRatio: ratio,
		Participating:      participating,
		Total:              total,
		Timestamp:          time.Now(),
	}
	switch {
	case ratio < 0.6:
		info.Status = PartitionPartitioned
		info.RecoveryStrategy = StrategyWaitForHealing
	case ratio < 0.8:
		info.Status = PartitionHealing
		info.RecoveryStrategy = StrategyContinueWithMajority
	default:
		info.Status = PartitionConnected
		info.RecoveryStrategy = StrategyNone
	}

	e.mu.Lock()
	e.partitionHistory = append(e.partitionHistory, info)
	if len(e.partitionHistory) > maxPartitionHistory {
		e.partitionHistory = e.partitionHistory[len(e.partitionHistory)-maxPartitionHistory:]
	}
	for _, c := range e.clusters {
		c.Status = info.Status
	}
	e.mu.Unlock()

	if info.Status != PartitionConnected {
		slog.Warn("partition detected", "status", info.Status.String(), "ratio", ratio)
		e.emitter.Emit(events.TypePartitionChange, "consensus", info.Status.String(), map[string]interface{}{
			"status":              info.Status.String(),
			"participation_ratio": ratio,
			"recovery_strategy":   info.RecoveryStrategy,
		})
	}
	return info
}

// PartitionHistory returns a copy of the bounded partition ring.
func (e *Engine) PartitionHistory() []PartitionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]PartitionInfo(nil), e.partitionHistory...)
}
