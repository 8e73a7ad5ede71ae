package monitor

import "time"

// HealthLevel is the overall system classification.
type HealthLevel int

const (
	HealthExcellent HealthLevel = iota
	HealthGood
	HealthDegraded
	HealthCritical
	HealthFailed
)

func (h HealthLevel) String() string {
	switch h {
	case HealthExcellent:
		return "EXCELLENT"
	case HealthGood:
		return "GOOD"
	case HealthDegraded:
		return "DEGRADED"
	case HealthCritical:
		return "CRITICAL"
	case HealthFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ScalabilityStatus describes the pool's capacity posture.
type ScalabilityStatus int

const (
	ScalabilityStable ScalabilityStatus = iota
	ScalabilityScalingUp
	ScalabilityScalingDown
	ScalabilityAtCapacity
	ScalabilityOverloaded
)

func (s ScalabilityStatus) String() string {
	switch s {
	case ScalabilityStable:
		return "STABLE"
	case ScalabilityScalingUp:
		return "SCALING_UP"
	case ScalabilityScalingDown:
		return "SCALING_DOWN"
	case ScalabilityAtCapacity:
		return "AT_CAPACITY"
	case ScalabilityOverloaded:
		return "OVERLOADED"
	default:
		return "UNKNOWN"
	}
}

// SystemHealth is one periodic snapshot of the whole control plane.
type SystemHealth struct {
	Timestamp time.Time `json:"timestamp"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	NetworkIOKBs  float64 `json:"network_io_kbs"`

	ActiveAgents     int     `json:"active_agents"`
	PendingDecisions int     `json:"pending_decisions"`
	AvgResponseMs    float64 `json:"avg_response_ms"`
	ErrorRate        float64 `json:"error_rate"` // fraction in [0,1]

	Level       HealthLevel       `json:"level"`
	Scalability ScalabilityStatus `json:"scalability_status"`

	Bottlenecks     []string `json:"bottlenecks"`
	Recommendations []string `json:"recommendations"`
}

// Critical and warning thresholds for the health rules.
const (
	cpuCritical      = 90.0
	memCritical      = 95.0
	responseCritical = 5000.0
	errorCritical    = 0.15
	agentsCritical   = 150

	cpuWarning      = 70.0
	memWarning      = 80.0
	responseWarning = 1000.0
	errorWarning    = 0.05
	agentsWarning   = 100
)

// classify applies the health rules in severity order.
func classify(cpu, mem, respMs, errRate float64, agents int) HealthLevel {
	switch {
	case cpu >= cpuCritical || mem >= memCritical || respMs >= responseCritical ||
		errRate >= errorCritical || agents >= agentsCritical:
		return HealthCritical
	case cpu >= cpuWarning || mem >= memWarning || respMs >= responseWarning ||
		errRate >= errorWarning || agents >= agentsWarning:
		return HealthDegraded
	case agents > 50:
		return HealthGood
	default:
		return HealthExcellent
	}
}

// classifyScalability derives the capacity posture.
func classifyScalability(agents int, cpu, mem, respMs float64) ScalabilityStatus {
	switch {
	case agents > 150:
		return ScalabilityOverloaded
	case agents >= 100:
		return ScalabilityAtCapacity
	case cpu > 80 || mem > 85 || respMs > 3000:
		return ScalabilityScalingUp
	case cpu < 30 && mem < 40 && agents > 10:
		return ScalabilityScalingDown
	default:
		return ScalabilityStable
	}
}

// deriveBottlenecks names the saturated resources.
func deriveBottlenecks(h *SystemHealth) []string {
	var out []string
	if h.CPUPercent >= cpuWarning {
		out = append(out, "cpu saturation")
	}
	if h.MemoryPercent >= memWarning {
		out = append(out, "memory pressure")
	}
	if h.AvgResponseMs >= responseWarning {
		out = append(out, "slow agent responses")
	}
	if h.ErrorRate >= errorWarning {
		out = append(out, "elevated decision error rate")
	}
	if h.ActiveAgents >= agentsWarning {
		out = append(out, "agent population near capacity")
	}
	if h.PendingDecisions > h.ActiveAgents {
		out = append(out, "consensus backlog")
	}
	return out
}

// deriveRecommendations suggests operator actions for the bottlenecks.
func deriveRecommendations(h *SystemHealth) []string {
	var out []string
	switch h.Level {
	case HealthCritical:
		out = append(out, "scale up neutral agents immediately")
	case HealthDegraded:
		out = append(out, "scale up neutral agents")
	}
	if h.Scalability == ScalabilityScalingDown {
		out = append(out, "consider scaling down idle agents")
	}
	if h.ErrorRate >= errorWarning {
		out = append(out, "inspect failing agents for removal")
	}
	return out
}
