package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultik/backend/internal/agent"
)

// stubVoters backs the engine with real in-process decision workers so
// votes follow the personality formulas. It mimics the pool's dispatch
// contract: ids marked unavailable can never be acquired.
type stubVoters struct {
	mu          sync.Mutex
	workers     map[string]*agent.Agent
	unavailable map[string]bool
	dispatched  int
	released    int
}

func newStubVoters(ids []string, t agent.Type) *stubVoters {
	sv := &stubVoters{
		workers:     make(map[string]*agent.Agent, len(ids)),
		unavailable: make(map[string]bool),
	}
	for _, id := range ids {
		sv.workers[id] = agent.New(id, t)
	}
	return sv
}

func (sv *stubVoters) DispatchAmong(ids []string) (string, *agent.Agent, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for _, id := range ids {
		if sv.unavailable[id] {
			continue
		}
		if w, ok := sv.workers[id]; ok {
			sv.dispatched++
			return id, w, nil
		}
	}
	return "", nil, fmt.Errorf("no dispatchable agent")
}

func (sv *stubVoters) ReleaseAgent(string, float64, bool) error {
	sv.mu.Lock()
	sv.released++
	sv.mu.Unlock()
	return nil
}

func agentIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%03d", i)
	}
	return ids
}

func trustedPayload() agent.Request {
	return agent.Request{
		RequestID:  "req-1",
		UserID:     "user-1",
		TrustScore: 85,
		Context: agent.RequestContext{
			DeviceVerified:      true,
			TimestampVerified:   true,
			LocationVerified:    true,
			PatternVerified:     true,
			SessionDuration:     1800,
			KeystrokesPerMinute: 65,
			AccessFrequency:     3,
			AccessHour:          14,
			BusinessHours:       true,
		},
	}
}

// ============================================================================
// CLUSTERING
// ============================================================================

func TestClusteringExactOptimal(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	require.NoError(t, e.InitializeClustering(agentIDs(12)))

	clusters := e.Clusters()
	require.Len(t, clusters, 1)
	assert.Equal(t, 12, clusters[0].Size())
}

func TestClusteringTailSplit(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	require.NoError(t, e.InitializeClustering(agentIDs(30)))

	var sizes []int
	for _, c := range e.Clusters() {
		sizes = append(sizes, c.Size())
	}
	// 30 = 12 + 18; the 6-agent remainder merges back and the tail splits
	// into 9 + 9.
	assert.ElementsMatch(t, []int{12, 9, 9}, sizes)
	for _, s := range sizes {
		assert.GreaterOrEqual(t, s, 7)
		assert.LessOrEqual(t, s, 20)
	}
}

func TestClusteringOversizedTail(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	require.NoError(t, e.InitializeClustering(agentIDs(13)))

	// 13 cannot split into two legal halves; one oversized cluster wins
	// over orphaning an agent.
	clusters := e.Clusters()
	require.Len(t, clusters, 1)
	assert.Equal(t, 13, clusters[0].Size())
}

func TestClusteringSmallPopulation(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	require.NoError(t, e.InitializeClustering(agentIDs(5)))

	clusters := e.Clusters()
	require.Len(t, clusters, 1)
	assert.Equal(t, 5, clusters[0].Size())
}

func TestClusteringEmptyFails(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	assert.ErrorIs(t, e.InitializeClustering(nil), ErrNoAgents)
}

func TestClusterAssignmentExclusive(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	ids := agentIDs(45)
	require.NoError(t, e.InitializeClustering(ids))

	seen := make(map[string]string)
	for _, c := range e.Clusters() {
		for _, id := range c.MemberIDs() {
			prev, dup := seen[id]
			assert.False(t, dup, "agent %s in both %s and %s", id, prev, c.ClusterID)
			seen[id] = c.ClusterID

			got, ok := e.ClusterOf(id)
			require.True(t, ok)
			assert.Equal(t, c.ClusterID, got)
		}
	}
	assert.Len(t, seen, len(ids))
}

func TestLeaderElectionDeterministic(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	require.NoError(t, e.InitializeClustering(agentIDs(12)))

	c := e.Clusters()[0]
	assert.Equal(t, "agent-000", c.LeaderID)
	assert.Equal(t, "agent-001", c.BackupLeaderID)
}

func TestCoordinatorsIncludeBackupsWhenLarge(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	require.NoError(t, e.InitializeClustering(agentIDs(72)))

	clusters := e.Clusters()
	require.Len(t, clusters, 6)
	// 6 leaders plus 3 backup coordinators.
	assert.Len(t, e.Coordinators(), 9)
}

func TestCoordinatorsLeadersOnlyWhenSmall(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	require.NoError(t, e.InitializeClustering(agentIDs(24)))

	clusters := e.Clusters()
	require.Len(t, clusters, 2)
	coords := e.Coordinators()
	assert.Len(t, coords, 2)
	for _, c := range clusters {
		assert.Contains(t, coords, c.LeaderID)
	}
}

func TestHandleAgentFailurePromotesBackup(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	require.NoError(t, e.InitializeClustering(agentIDs(12)))

	before := e.Clusters()[0]
	e.HandleAgentFailure(before.LeaderID)

	after := e.Clusters()[0]
	assert.Equal(t, before.BackupLeaderID, after.LeaderID)
	assert.NotEmpty(t, after.BackupLeaderID)
	assert.NotEqual(t, after.LeaderID, after.BackupLeaderID)
	assert.Equal(t, 11, after.Size())
	_, ok := e.ClusterOf(before.LeaderID)
	assert.False(t, ok)
}

func TestHandleAgentFailureFlagsRebalance(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	ids := agentIDs(7)
	require.NoError(t, e.InitializeClustering(ids))
	assert.False(t, e.RebalanceNeeded())

	e.HandleAgentFailure(ids[3])
	assert.True(t, e.RebalanceNeeded())

	require.NoError(t, e.Recluster(agentIDs(12)))
	assert.False(t, e.RebalanceNeeded())
}

// ============================================================================
// CONSENSUS EXECUTION
// ============================================================================

func TestConsensusNotInitialized(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), newStubVoters(nil, agent.TypeNeutral), nil)
	_, err := e.ExecuteHierarchicalConsensus(context.Background(), Request{RequestID: "r"})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestUnanimousSingleCluster(t *testing.T) {
	ids := agentIDs(8)
	voters := newStubVoters(ids, agent.TypeNeutral)
	e := NewEngine(DefaultEngineConfig(), voters, nil)
	require.NoError(t, e.InitializeClustering(ids))

	res, err := e.ExecuteHierarchicalConsensus(context.Background(), Request{
		RequestID: "req-1",
		Payload:   trustedPayload(),
	})
	require.NoError(t, err)

	assert.True(t, res.ConsensusReached)
	assert.Equal(t, DecisionAllow, res.FinalDecision)
	assert.InDelta(t, 1.0, res.GlobalConfidence, 1e-9)
	require.Len(t, res.ClusterDecisions, 1)
	for _, cd := range res.ClusterDecisions {
		assert.Equal(t, 8, cd.VoterCount)
		assert.Equal(t, 8, cd.VoteDistribution[DecisionAllow])
	}
	assert.Len(t, res.PhaseRecords, 4)
	assert.Equal(t, PartitionConnected, res.Partition.Status)

	// Every vote is a dispatch-decide-release cycle through the registry.
	assert.Equal(t, 8, voters.dispatched)
	assert.Equal(t, 8, voters.released)
}

func TestUndispatchableMembersAreLostVotes(t *testing.T) {
	ids := agentIDs(8)
	voters := newStubVoters(ids, agent.TypeNeutral)
	voters.unavailable[ids[2]] = true
	voters.unavailable[ids[5]] = true
	e := NewEngine(DefaultEngineConfig(), voters, nil)
	require.NoError(t, e.InitializeClustering(ids))

	res, err := e.ExecuteHierarchicalConsensus(context.Background(), Request{
		RequestID: "req-lost",
		Payload:   trustedPayload(),
	})
	require.NoError(t, err)

	require.Len(t, res.ClusterDecisions, 1)
	for _, cd := range res.ClusterDecisions {
		assert.Equal(t, 8, cd.MemberCount)
		assert.Equal(t, 6, cd.VoterCount)
		assert.Equal(t, 6, cd.VoteDistribution[DecisionAllow])
	}
	assert.Equal(t, 6, voters.dispatched)
	assert.Equal(t, 6, voters.released)
}

func TestNoDispatchableAgentsFailsConsensus(t *testing.T) {
	ids := agentIDs(8)
	voters := newStubVoters(ids, agent.TypeNeutral)
	for _, id := range ids {
		voters.unavailable[id] = true
	}
	e := NewEngine(DefaultEngineConfig(), voters, nil)
	require.NoError(t, e.InitializeClustering(ids))

	res, err := e.ExecuteHierarchicalConsensus(context.Background(), Request{
		RequestID: "req-starved",
		Payload:   trustedPayload(),
	})
	require.NoError(t, err)
	assert.False(t, res.ConsensusReached)
	assert.Equal(t, DecisionConsensusFailed, res.FinalDecision)
	assert.Zero(t, voters.dispatched)
}

func TestConsensusSurvivesLeaderFailure(t *testing.T) {
	ids := agentIDs(12)
	voters := newStubVoters(ids, agent.TypeNeutral)
	e := NewEngine(DefaultEngineConfig(), voters, nil)
	require.NoError(t, e.InitializeClustering(ids))

	leader := e.Clusters()[0].LeaderID
	e.HandleAgentFailure(leader)

	res, err := e.ExecuteHierarchicalConsensus(context.Background(), Request{
		RequestID: "req-2",
		Payload:   trustedPayload(),
	})
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, DecisionAllow, res.FinalDecision)
	for _, cd := range res.ClusterDecisions {
		assert.Equal(t, 11, cd.VoterCount)
		assert.NotEqual(t, leader, cd.LeaderID)
	}
}

func TestConsensusMinimumThreshold(t *testing.T) {
	ids := agentIDs(8)
	voters := newStubVoters(ids, agent.TypeNeutral)
	e := NewEngine(DefaultEngineConfig(), voters, nil)
	require.NoError(t, e.InitializeClustering(ids))

	// Unanimous ALLOW at confidence 1.0 still meets a minimum of exactly 1.
	res, err := e.ExecuteHierarchicalConsensus(context.Background(), Request{
		RequestID:        "req-3",
		Payload:          trustedPayload(),
		MinimumConsensus: 1.0,
	})
	require.NoError(t, err)
	assert.True(t, res.ConsensusReached)
}

func TestSplitVoteInsufficientConsensus(t *testing.T) {
	// Half neutral, half strict. At trust 50 the neutrals allow and the
	// stricts deny, a 4-4 split whose winning share 0.5 misses the 0.6
	// default minimum.
	ids := agentIDs(8)
	voters := newStubVoters(ids[:4], agent.TypeNeutral)
	for _, id := range ids[4:] {
		voters.workers[id] = agent.New(id, agent.TypeStrict)
	}
	e := NewEngine(DefaultEngineConfig(), voters, nil)
	require.NoError(t, e.InitializeClustering(ids))

	payload := trustedPayload()
	payload.TrustScore = 50
	res, err := e.ExecuteHierarchicalConsensus(context.Background(), Request{
		RequestID: "req-4",
		Payload:   payload,
	})
	require.NoError(t, err)
	assert.False(t, res.ConsensusReached)
	assert.Equal(t, DecisionInsufficientConsensus, res.FinalDecision)
	assert.InDelta(t, 0.5, res.GlobalConfidence, 1e-9)
}

func TestRequiredClustersRestrictVoting(t *testing.T) {
	ids := agentIDs(24)
	voters := newStubVoters(ids, agent.TypeNeutral)
	e := NewEngine(DefaultEngineConfig(), voters, nil)
	require.NoError(t, e.InitializeClustering(ids))
	require.Len(t, e.Clusters(), 2)

	res, err := e.ExecuteHierarchicalConsensus(context.Background(), Request{
		RequestID:        "req-5",
		Payload:          trustedPayload(),
		RequiredClusters: []string{"cluster-0"},
	})
	require.NoError(t, err)

	assert.Len(t, res.ClusterDecisions, 1)
	assert.Contains(t, res.ClusterDecisions, "cluster-0")

	// 1 of 2 clusters participating is a partition.
	assert.Equal(t, PartitionPartitioned, res.Partition.Status)
	assert.Equal(t, StrategyWaitForHealing, res.Partition.RecoveryStrategy)
	assert.InDelta(t, 0.5, res.Partition.ParticipationRatio, 1e-9)
}

func TestAggregateWeightedByClusterSize(t *testing.T) {
	winner, confidence, participating := aggregate([]ClusterDecision{
		{ClusterID: "cluster-0", Decision: DecisionAllow, Confidence: 0.75, MemberCount: 12, VoterCount: 12},
		{ClusterID: "cluster-1", Decision: DecisionAllow, Confidence: 0.60, MemberCount: 12, VoterCount: 12},
		{ClusterID: "cluster-2", Decision: DecisionDeny, Confidence: 0.90, MemberCount: 12, VoterCount: 12},
	})

	assert.Equal(t, 3, participating)
	assert.Equal(t, DecisionAllow, winner)
	// (0.75 + 0.60) * 12 / 36
	assert.InDelta(t, 0.45, confidence, 1e-9)
}

func TestAggregatePartialVotersKeepFullWeight(t *testing.T) {
	// A cluster that lost half its voters mid-round still carries its
	// full member weight: a unanimous 6-of-12 ALLOW ties a unanimous
	// 12-of-12 DENY instead of being outvoted two to one.
	winner, confidence, _ := aggregate([]ClusterDecision{
		{ClusterID: "cluster-0", Decision: DecisionAllow, Confidence: 1.0, MemberCount: 12, VoterCount: 6},
		{ClusterID: "cluster-1", Decision: DecisionDeny, Confidence: 1.0, MemberCount: 12, VoterCount: 12},
	})
	assert.Equal(t, DecisionAllow, winner)
	assert.InDelta(t, 0.5, confidence, 1e-9)
}

func TestAggregateSkipsErrorClusters(t *testing.T) {
	winner, confidence, participating := aggregate([]ClusterDecision{
		{ClusterID: "cluster-0", Decision: DecisionError, Confidence: 0, MemberCount: 10, VoterCount: 0},
		{ClusterID: "cluster-1", Decision: DecisionDeny, Confidence: 0.8, MemberCount: 10, VoterCount: 10},
	})
	assert.Equal(t, 1, participating)
	assert.Equal(t, DecisionDeny, winner)
	assert.InDelta(t, 0.8, confidence, 1e-9)
}

func TestAggregateAllErrors(t *testing.T) {
	winner, confidence, participating := aggregate([]ClusterDecision{
		{Decision: DecisionError},
		{Decision: DecisionError},
	})
	assert.Zero(t, participating)
	assert.Empty(t, winner)
	assert.Zero(t, confidence)
}

func TestInsufficientConsensusBelowThreshold(t *testing.T) {
	// Same arithmetic as the weighted aggregation test, run through the
	// global threshold: 0.45 < 0.6 yields INSUFFICIENT_CONSENSUS.
	winner, confidence, _ := aggregate([]ClusterDecision{
		{Decision: DecisionAllow, Confidence: 0.75, MemberCount: 12},
		{Decision: DecisionAllow, Confidence: 0.60, MemberCount: 12},
		{Decision: DecisionDeny, Confidence: 0.90, MemberCount: 12},
	})
	require.Equal(t, DecisionAllow, winner)
	assert.Less(t, confidence, 0.6)
}

// ============================================================================
// PARTITIONS
// ============================================================================

func TestAssessPartitionClassification(t *testing.T) {
	cases := []struct {
		participating int
		total         int
		status        PartitionStatus
		strategy      string
	}{
		{10, 10, PartitionConnected, StrategyNone},
		{8, 10, PartitionConnected, StrategyNone},
		{7, 10, PartitionHealing, StrategyContinueWithMajority},
		{5, 10, PartitionPartitioned, StrategyWaitForHealing},
		{0, 10, PartitionPartitioned, StrategyWaitForHealing},
	}
	for _, tc := range cases {
		e := NewEngine(DefaultEngineConfig(), nil, nil)
		info := e.assessPartition(tc.participating, tc.total)
		assert.Equal(t, tc.status, info.Status, "%d/%d", tc.participating, tc.total)
		assert.Equal(t, tc.strategy, info.RecoveryStrategy)
	}
}

func TestPartitionHistoryBounded(t *testing.T) {
	e := NewEngine(DefaultEngineConfig(), nil, nil)
	for i := 0; i < maxPartitionHistory+20; i++ {
		e.assessPartition(10, 10)
	}
	assert.Len(t, e.PartitionHistory(), maxPartitionHistory)
}

func TestEngineConfigFromDefaults(t *testing.T) {
	cfg := DefaultEngineConfig()
	assert.Equal(t, 7, cfg.MinClusterSize)
	assert.Equal(t, 12, cfg.OptimalClusterSize)
	assert.Equal(t, 20, cfg.MaxClusterSize)
	assert.Equal(t, 0.6, cfg.DefaultMinimum)
}
