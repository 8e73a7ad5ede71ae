package agent

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// DECISION WORKFLOW
// ============================================================================
//
// Every agent executes the same linear pipeline on each request:
//
//	initialize -> analyze context -> evaluate trust ->
//	personality stages -> make decision -> finalize
//
// Personality differences live entirely in per-stage interpretation and
// the scoring formula; the pipeline itself never branches or loops.

// Agent is a single decision worker with one personality. Agents are
// dispatched serially by the pool (one in-flight request per agent), but
// the watchdog baselines are guarded anyway since the monitor may read
// them concurrently.
type Agent struct {
	ID   string
	Type Type

	// watchdog-only per-user rolling baselines
	baselines *baselineStore
}

// New creates a decision agent.
func New(id string, t Type) *Agent {
	a := &Agent{ID: id, Type: t}
	if t == TypeWatchdog {
		a.baselines = newBaselineStore()
	}
	return a
}

// Decide runs the workflow and always returns a vote. Any internal panic
// collapses to the personality's failure stance: strict and watchdog deny
// with high confidence, neutral and permissive deny with very low
// confidence.
func (a *Agent) Decide(ctx context.Context, req Request) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent decision panicked", "agent", a.ID, "type", a.Type.String(), "panic", r)
			decision = a.failureDecision(req)
		}
	}()

	s := &state{
		req:             req,
		trust:           clamp01(req.TrustScore / 100),
		complianceScore: 1,
		securityScore:   1,
	}

	a.initialize(s)
	a.analyzeContext(s)
	a.evaluateTrust(s)

	switch a.Type {
	case TypeNeutral:
		a.neutralStages(s)
	case TypePermissive:
		a.permissiveStages(s)
	case TypeStrict:
		a.strictStages(s)
	case TypeWatchdog:
		a.watchdogStages(s)
	}

	a.makeDecision(s)
	a.finalize(s)

	return Decision{
		AgentID:            a.ID,
		AgentType:          a.Type,
		RequestID:          req.RequestID,
		Outcome:            s.outcome,
		Confidence:         clamp01(s.confidence),
		Reasoning:          s.reasoning,
		Timestamp:          time.Now(),
		AccessFactors:      s.accessFactors,
		RiskFactors:        s.riskFactors,
		SecurityViolations: s.securityViolations,
		ThreatIndicators:   s.threatIndicators,
		FlexibilityApplied: s.flexibility,
		Anomalies:          s.anomalies,
		SecurityAlerts:     s.securityAlerts,
		AnomalyScore:       s.anomalyScore,
		ThreatLevel:        s.threatLevel,
		Monitoring:         s.monitoring,
	}
}

// initialize seeds the confidence floor and the reasoning chain.
func (a *Agent) initialize(s *state) {
	switch a.Type {
	case TypeStrict:
		s.confidence = ConfidenceLow
	default:
		s.confidence = ConfidenceMedium
	}
	s.note("%s agent %s evaluating request %s", a.Type, a.ID, s.req.RequestID)
	if a.Type == TypeStrict {
		s.note("mandatory requirements: trust >= 60, >= 3/4 verifications, device and timestamp verified")
	}
}

// analyzeContext translates the four verification booleans into access
// and risk factors. Personalities differ only in whether a missed factor
// is a risk or a soft usability note.
func (a *Agent) analyzeContext(s *state) {
	c := s.req.Context
	factors := []struct {
		ok   bool
		name string
	}{
		{c.DeviceVerified, "device"},
		{c.TimestampVerified, "timestamp"},
		{c.LocationVerified, "location"},
		{c.PatternVerified, "pattern"},
	}

	for _, f := range factors {
		if f.ok {
			s.accessFactors = append(s.accessFactors, f.name+" verified")
			continue
		}
		switch a.Type {
		case TypePermissive:
			// Usability note, not a risk.
			s.note("usability: %s verification unavailable", f.name)
		case TypeStrict:
			s.riskFactors = append(s.riskFactors, f.name+" verification failed")
			s.threatIndicators = append(s.threatIndicators, "unverified "+f.name)
		case TypeWatchdog:
			s.riskFactors = append(s.riskFactors, f.name+" verification failed")
			s.anomalies = append(s.anomalies, "missing "+f.name+" verification")
		default:
			s.riskFactors = append(s.riskFactors, f.name+" not verified")
		}
	}
	s.note("context analysis: %d/4 factors verified", c.VerifiedCount())
}

// evaluateTrust buckets the incoming trust score against personality
// thresholds and adjusts confidence.
func (a *Agent) evaluateTrust(s *state) {
	t := s.req.TrustScore

	var highCut, lowCut float64
	switch a.Type {
	case TypePermissive:
		highCut, lowCut = 60, 30
	case TypeStrict:
		highCut, lowCut = 85, 60
	case TypeWatchdog:
		highCut, lowCut = 75, 45
	default:
		highCut, lowCut = 75, 45
	}

	switch {
	case t >= highCut:
		s.confidence += 0.2
		s.note("trust %.1f in high bucket (>= %.0f)", t, highCut)
	case t >= lowCut:
		s.confidence += 0.1
		s.note("trust %.1f in medium bucket", t)
	default:
		s.riskFactors = append(s.riskFactors, "low trust score")
		s.note("trust %.1f in low bucket (< %.0f)", t, lowCut)
	}
}

// finalize appends the summary lines to the reasoning chain.
func (a *Agent) finalize(s *state) {
	s.note("decision: %s (confidence %.2f)", s.outcome, clamp01(s.confidence))
	s.note("access factors: %d, risk factors: %d", len(s.accessFactors), len(s.riskFactors))
	if s.monitoring {
		s.note("enhanced monitoring attached to this grant")
	}
}

func (a *Agent) failureDecision(req Request) Decision {
	confidence := 0.1
	if a.Type == TypeStrict || a.Type == TypeWatchdog {
		confidence = 0.9
	}
	return Decision{
		AgentID:    a.ID,
		AgentType:  a.Type,
		RequestID:  req.RequestID,
		Outcome:    OutcomeDeny,
		Confidence: confidence,
		Reasoning:  []string{"internal failure during evaluation; denying by default"},
		Timestamp:  time.Now(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
