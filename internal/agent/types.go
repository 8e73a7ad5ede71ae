package agent

import (
	"fmt"
	"time"
)

// Type selects which decision workflow variant an agent runs.
type Type int

const (
	TypeNeutral Type = iota
	TypePermissive
	TypeStrict
	TypeWatchdog
)

func (t Type) String() string {
	switch t {
	case TypeNeutral:
		return "neutral"
	case TypePermissive:
		return "permissive"
	case TypeStrict:
		return "strict"
	case TypeWatchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}

// ParseType resolves a type name from configuration or API input.
func ParseType(s string) (Type, error) {
	switch s {
	case "neutral":
		return TypeNeutral, nil
	case "permissive":
		return TypePermissive, nil
	case "strict":
		return TypeStrict, nil
	case "watchdog":
		return TypeWatchdog, nil
	default:
		return TypeNeutral, fmt.Errorf("agent: unknown type %q", s)
	}
}

// AllTypes lists every personality, in scaling preference order.
var AllTypes = []Type{TypeNeutral, TypePermissive, TypeStrict, TypeWatchdog}

// Outcome is a single agent's vote.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeDeny
	OutcomeAllowWithMonitoring
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "ALLOW"
	case OutcomeDeny:
		return "DENY"
	case OutcomeAllowWithMonitoring:
		return "ALLOW_WITH_MONITORING"
	case OutcomeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Named confidence floors used by the personalities.
const (
	ConfidenceLow    = 0.3
	ConfidenceMedium = 0.5
	ConfidenceHigh   = 0.8
)

// ThreatLevel classifies what the watchdog observed.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatElevated
	ThreatCritical
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatNone:
		return "NONE"
	case ThreatLow:
		return "LOW"
	case ThreatElevated:
		return "ELEVATED"
	case ThreatCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// RequestContext is the evidence an agent sees for one decision: the four
// verification booleans plus the behavioral raw values.
type RequestContext struct {
	DeviceVerified    bool
	TimestampVerified bool
	LocationVerified  bool
	PatternVerified   bool

	// SessionDuration in seconds.
	SessionDuration float64

	KeystrokesPerMinute float64

	// AccessFrequency is accesses per day.
	AccessFrequency float64

	// AccessHour is the local hour-of-day of the request.
	AccessHour int

	BusinessHours bool
}

// VerifiedCount counts how many of the four factors passed.
func (c RequestContext) VerifiedCount() int {
	n := 0
	for _, ok := range []bool{c.DeviceVerified, c.TimestampVerified, c.LocationVerified, c.PatternVerified} {
		if ok {
			n++
		}
	}
	return n
}

// Request is the immutable input to one decision.
type Request struct {
	RequestID string
	UserID    string

	// TrustScore in [0,100], from the trust engine.
	TrustScore float64

	Context RequestContext
}

// Decision is a single agent's vote with its rationale.
type Decision struct {
	AgentID    string    `json:"agent_id"`
	AgentType  Type      `json:"agent_type"`
	RequestID  string    `json:"request_id"`
	Outcome    Outcome   `json:"outcome"`
	Confidence float64   `json:"confidence"`
	Reasoning  []string  `json:"reasoning"`
	Timestamp  time.Time `json:"timestamp"`

	AccessFactors []string `json:"access_factors"`
	RiskFactors   []string `json:"risk_factors"`

	// Personality-specific extras. Empty for personalities that do not
	// produce them.
	SecurityViolations []string    `json:"security_violations,omitempty"`
	ThreatIndicators   []string    `json:"threat_indicators,omitempty"`
	FlexibilityApplied []string    `json:"flexibility_applied,omitempty"`
	Anomalies          []string    `json:"anomalies,omitempty"`
	SecurityAlerts     []string    `json:"security_alerts,omitempty"`
	AnomalyScore       float64     `json:"anomaly_score,omitempty"`
	ThreatLevel        ThreatLevel `json:"threat_level,omitempty"`
	Monitoring         bool        `json:"monitoring,omitempty"`
}

// state is the per-decision scratch object owned by one workflow
// execution and discarded after the vote returns.
type state struct {
	req Request

	// trust normalized to [0,1]
	trust float64

	accessFactors []string
	riskFactors   []string
	reasoning     []string

	// personality-specific accumulators
	securityViolations []string
	threatIndicators   []string
	flexibility        []string
	criticalRisks      []string
	anomalies          []string
	securityAlerts     []string
	patternDeviations  []string
	uxScore            float64 // [0,100]
	anomalyScore       float64
	threatLevel        ThreatLevel
	securityScore      float64 // [0,1], strict only
	complianceScore    float64 // [0,1], strict/neutral

	confidence float64
	monitoring bool
	outcome    Outcome
}

func (s *state) note(format string, args ...interface{}) {
	s.reasoning = append(s.reasoning, fmt.Sprintf(format, args...))
}
