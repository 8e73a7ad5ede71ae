package consensus

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ============================================================================
// CLUSTERING AND LEADER ELECTION
// ============================================================================

// initializeClusteringLocked partitions the agent list greedily into
// clusters of the optimal size. If the final remainder would fall below
// the minimum, the last formed cluster is split in half with the
// remainder so both halves stay within bounds.
func (e *Engine) initializeClusteringLocked(agentIDs []string) error {
	if len(agentIDs) == 0 {
		return ErrNoAgents
	}

	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)

	var groups [][]string
	for len(ids) > 0 {
		n := e.cfg.OptimalClusterSize
		if n > len(ids) {
			n = len(ids)
		}
		remainder := len(ids) - n
		if remainder > 0 && remainder < e.cfg.MinClusterSize {
			// Merge the tail into this group and split the whole in half.
			whole := ids
			half := len(whole) / 2
			if half >= e.cfg.MinClusterSize && len(whole)-half >= e.cfg.MinClusterSize {
				groups = append(groups, whole[:half], whole[half:])
			} else {
				// Too few agents to split legally; keep one oversized or
				// undersized tail cluster rather than orphan agents.
				groups = append(groups, whole)
			}
			ids = nil
			continue
		}
		groups = append(groups, ids[:n])
		ids = ids[n:]
	}

	e.clusters = make(map[string]*Cluster, len(groups))
	e.agentCluster = make(map[string]string)
	now := time.Now()
	for i, members := range groups {
		c := &Cluster{
			ClusterID:     fmt.Sprintf("cluster-%d", i),
			Members:       make(map[string]bool, len(members)),
			LastHeartbeat: now,
			Health:        1.0,
			Status:        PartitionConnected,
		}
		for _, id := range members {
			c.Members[id] = true
			e.agentCluster[id] = c.ClusterID
		}
		electLeader(c)
		e.clusters[c.ClusterID] = c
	}
	e.refreshCoordinatorsLocked()
	e.initialized = true

	slog.Info("clustering initialized", "clusters", len(e.clusters), "agents", len(agentIDs))
	return nil
}

// electLeader picks the lexicographically smallest member as leader and
// the second smallest as backup. Deterministic so every observer agrees
// without a network round.
//
// TODO: replace with a term-based election once clusters span processes.
func electLeader(c *Cluster) {
	ids := c.MemberIDs()
	c.LeaderID = ""
	c.BackupLeaderID = ""
	if len(ids) > 0 {
		c.LeaderID = ids[0]
	}
	if len(ids) > 1 {
		c.BackupLeaderID = ids[1]
	}
}

// refreshCoordinatorsLocked rebuilds the inter-cluster coordinator set:
// every leader, plus up to three backup leaders when the cluster count
// exceeds five.
func (e *Engine) refreshCoordinatorsLocked() {
	coords := make(map[string]bool)
	var backups []string
	for _, c := range e.sortedClustersLocked() {
		if c.LeaderID != "" {
			coords[c.LeaderID] = true
		}
		if c.BackupLeaderID != "" {
			backups = append(backups, c.BackupLeaderID)
		}
	}
	if len(e.clusters) > 5 {
		for i := 0; i < len(backups) && i < 3; i++ {
			coords[backups[i]] = true
		}
	}
	e.coordinators = coords
}

// HandleAgentFailure removes a failed agent from its cluster, promotes
// the backup leader if the leader was lost, and schedules rebalancing
// when the cluster shrinks below the minimum size. In-flight requests
// are unaffected; the cluster tally already tolerates a lost vote.
func (e *Engine) HandleAgentFailure(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clusterID, ok := e.agentCluster[agentID]
	if !ok {
		return
	}
	c := e.clusters[clusterID]
	delete(c.Members, agentID)
	delete(e.agentCluster, agentID)

	if c.LeaderID == agentID {
		if c.BackupLeaderID != "" && c.Members[c.BackupLeaderID] {
			c.LeaderID = c.BackupLeaderID
			ids := c.MemberIDs()
			c.BackupLeaderID = ""
			for _, id := range ids {
				if id != c.LeaderID {
					c.BackupLeaderID = id
					break
				}
			}
			slog.Info("backup leader promoted", "cluster", clusterID, "leader", c.LeaderID)
		} else {
			electLeader(c)
			slog.Info("leader re-elected", "cluster", clusterID, "leader", c.LeaderID)
		}
	} else if c.BackupLeaderID == agentID {
		electLeader(c)
	}
	e.refreshCoordinatorsLocked()

	if c.Size() < e.cfg.MinClusterSize {
		e.rebalanceNeeded = true
		slog.Warn("cluster below minimum size", "cluster", clusterID, "size", c.Size())
	}
}

// Recluster rebuilds all clusters from the given membership. Called by
// the coordinator whenever the pool population changes.
func (e *Engine) Recluster(agentIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebalanceNeeded = false
	return e.initializeClusteringLocked(agentIDs)
}

// InitializeClustering builds the initial clusters.
func (e *Engine) InitializeClustering(agentIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initializeClusteringLocked(agentIDs)
}

// RebalanceNeeded reports whether a cluster has dropped below the
// minimum size since the last reclustering.
func (e *Engine) RebalanceNeeded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rebalanceNeeded
}

// Clusters returns a snapshot of every cluster, sorted by id.
func (e *Engine) Clusters() []Cluster {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Cluster, 0, len(e.clusters))
	for _, c := range e.sortedClustersLocked() {
		copied := *c
		copied.Members = make(map[string]bool, len(c.Members))
		for id := range c.Members {
			copied.Members[id] = true
		}
		out = append(out, copied)
	}
	return out
}

// ClusterOf returns the cluster id an agent belongs to.
func (e *Engine) ClusterOf(agentID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.agentCluster[agentID]
	return id, ok
}

// Coordinators returns the current inter-cluster coordinator set.
func (e *Engine) Coordinators() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.coordinators))
	for id := range e.coordinators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) sortedClustersLocked() []*Cluster {
	out := make([]*Cluster, 0, len(e.clusters))
	for _, c := range e.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })
	return out
}
