package pool

import (
	"fmt"
	"math/rand"
	"sort"
)

// Strategy selects how GetAvailableAgent picks among eligible agents.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyLeastLoaded
	StrategyWeightedRandom
)

func (s Strategy) String() string {
	switch s {
	case StrategyRoundRobin:
		return "round_robin"
	case StrategyLeastLoaded:
		return "least_loaded"
	case StrategyWeightedRandom:
		return "weighted_random"
	default:
		return "unknown"
	}
}

// ParseStrategy resolves a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "round_robin":
		return StrategyRoundRobin, nil
	case "least_loaded":
		return StrategyLeastLoaded, nil
	case "weighted_random":
		return StrategyWeightedRandom, nil
	default:
		return StrategyLeastLoaded, fmt.Errorf("pool: unknown load balancing strategy %q", s)
	}
}

// pick chooses one agent from a non-empty eligible set. Caller holds the
// pool lock. Candidates are sorted by id first so round robin walks a
// stable order regardless of map iteration.
func (m *Manager) pick(eligible []*Instance) *Instance {
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].AgentID < eligible[j].AgentID
	})

	switch m.cfg.Strategy {
	case StrategyRoundRobin:
		m.rrIndex++
		return eligible[m.rrIndex%len(eligible)]

	case StrategyWeightedRandom:
		// Weight by spare capacity, with a floor so a fully loaded but
		// eligible agent can still be picked.
		weights := make([]float64, len(eligible))
		total := 0.0
		for i, inst := range eligible {
			w := 1 - inst.CurrentLoad
			if w < 0.1 {
				w = 0.1
			}
			weights[i] = w
			total += w
		}
		r := rand.Float64() * total
		for i, w := range weights {
			r -= w
			if r <= 0 {
				return eligible[i]
			}
		}
		return eligible[len(eligible)-1]

	default: // least loaded
		best := eligible[0]
		for _, inst := range eligible[1:] {
			if inst.CurrentLoad < best.CurrentLoad {
				best = inst
			}
		}
		return best
	}
}
