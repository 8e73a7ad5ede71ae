package consensus

import (
	"errors"
	"sort"
	"time"

	"github.com/vaultik/backend/internal/agent"
)

// Decision tokens produced by the engine. Cluster and global decisions
// reuse the agent vote outcomes plus the engine's own failure tokens.
const (
	DecisionAllow                 = "ALLOW"
	DecisionDeny                  = "DENY"
	DecisionAllowWithMonitoring   = "ALLOW_WITH_MONITORING"
	DecisionError                 = "ERROR"
	DecisionInsufficientConsensus = "INSUFFICIENT_CONSENSUS"
	DecisionConsensusFailed       = "CONSENSUS_FAILED"
)

// Common errors
var (
	ErrNotInitialized = errors.New("consensus: clustering not initialized")
	ErrNoAgents       = errors.New("consensus: no agents to cluster")
)

// PartitionStatus classifies cluster connectivity after a round.
type PartitionStatus int

const (
	PartitionConnected PartitionStatus = iota
	PartitionHealing
	PartitionPartitioned
	PartitionIsolated
)

func (p PartitionStatus) String() string {
	switch p {
	case PartitionConnected:
		return "CONNECTED"
	case PartitionHealing:
		return "HEALING"
	case PartitionPartitioned:
		return "PARTITIONED"
	case PartitionIsolated:
		return "ISOLATED"
	default:
		return "UNKNOWN"
	}
}

// Recovery strategies attached to partition classifications.
const (
	StrategyWaitForHealing       = "WAIT_FOR_HEALING"
	StrategyContinueWithMajority = "CONTINUE_WITH_MAJORITY"
	StrategyNone                 = "NONE"
)

// PhaseKind names the four consensus phases.
type PhaseKind int

const (
	PhaseIntraCluster PhaseKind = iota
	PhaseInterCluster
	PhaseGlobal
	PhaseFinalize
)

func (p PhaseKind) String() string {
	switch p {
	case PhaseIntraCluster:
		return "intra_cluster"
	case PhaseInterCluster:
		return "inter_cluster"
	case PhaseGlobal:
		return "global"
	case PhaseFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// PhaseRecord is the per-phase timing entry in a result.
type PhaseRecord struct {
	Phase    PhaseKind     `json:"phase"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

// Request is the immutable consensus input. The payload is the access
// decision input handed unchanged to every voting agent.
type Request struct {
	RequestID   string
	RequestType string

	Payload agent.Request

	// Priority in [1,10]; informational, recorded with the result.
	Priority int

	Timeout time.Duration

	// RequiredClusters restricts voting to the named clusters. Empty
	// means all clusters vote.
	RequiredClusters []string

	// MinimumConsensus in [0,1]; the global acceptance threshold.
	MinimumConsensus float64

	CreatedAt time.Time
}

// ClusterDecision is one cluster's tallied vote. MemberCount is the
// cluster size at vote time; VoterCount is how many members actually
// voted.
type ClusterDecision struct {
	ClusterID        string         `json:"cluster_id"`
	Decision         string         `json:"decision"`
	Confidence       float64        `json:"confidence"`
	LeaderID         string         `json:"leader_id"`
	VoteDistribution map[string]int `json:"vote_distribution"`
	MemberCount      int            `json:"member_count"`
	VoterCount       int            `json:"voter_count"`
}

// PartitionInfo is the connectivity assessment attached to a result.
type PartitionInfo struct {
	Status             PartitionStatus `json:"status"`
	ParticipationRatio float64         `json:"participation_ratio"`
	Participating      int             `json:"participating_clusters"`
	Total              int             `json:"total_clusters"`
	RecoveryStrategy   string          `json:"recovery_strategy"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Result is the engine's answer for one request.
type Result struct {
	RequestID        string                     `json:"request_id"`
	ConsensusReached bool                       `json:"consensus_reached"`
	FinalDecision    string                     `json:"final_decision"`
	ClusterDecisions map[string]ClusterDecision `json:"cluster_decisions"`
	GlobalConfidence float64                    `json:"global_confidence"`
	PhaseRecords     []PhaseRecord              `json:"phase_records"`
	ProcessingTime   time.Duration              `json:"processing_time"`
	Partition        PartitionInfo              `json:"partition_info"`
}

// Cluster is a bounded voting group. Exclusively owned by the engine;
// members are referenced by agent id only.
type Cluster struct {
	ClusterID      string          `json:"cluster_id"`
	LeaderID       string          `json:"leader_id"`
	BackupLeaderID string          `json:"backup_leader_id,omitempty"`
	Members        map[string]bool `json:"-"`
	LastHeartbeat  time.Time       `json:"last_heartbeat"`
	Health         float64         `json:"health"`
	Status         PartitionStatus `json:"partition_status"`
}

// Size returns the member count.
func (c *Cluster) Size() int { return len(c.Members) }

// MemberIDs returns the members in sorted order.
func (c *Cluster) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for id := range c.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
