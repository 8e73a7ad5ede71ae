package agent

import (
	"math"
	"sync"
)

// ============================================================================
// WATCHDOG - behavioral anomaly detection
// ============================================================================

// Rolling baseline capacities per user.
const (
	maxBaselineSamples = 50
	minHoursForPattern = 5
)

// userBaseline holds one user's rolling behavioral baselines.
type userBaseline struct {
	typingSpeeds []float64
	durations    []float64
	frequencies  []float64
	accessHours  map[int]bool
}

// baselineStore keeps per-user rolling baselines for a watchdog agent.
type baselineStore struct {
	mu    sync.Mutex
	users map[string]*userBaseline
}

func newBaselineStore() *baselineStore {
	return &baselineStore{users: make(map[string]*userBaseline)}
}

// observe snapshots the user's prior baseline and then records the new
// sample. Anomalies are always scored against the snapshot so the current
// request cannot normalize itself.
func (bs *baselineStore) observe(userID string, c RequestContext) userBaseline {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b, ok := bs.users[userID]
	if !ok {
		b = &userBaseline{accessHours: make(map[int]bool)}
		bs.users[userID] = b
	}

	snapshot := userBaseline{
		typingSpeeds: append([]float64(nil), b.typingSpeeds...),
		durations:    append([]float64(nil), b.durations...),
		frequencies:  append([]float64(nil), b.frequencies...),
		accessHours:  make(map[int]bool, len(b.accessHours)),
	}
	for h := range b.accessHours {
		snapshot.accessHours[h] = true
	}

	if c.KeystrokesPerMinute > 0 {
		b.typingSpeeds = appendBounded(b.typingSpeeds, c.KeystrokesPerMinute)
	}
	if c.SessionDuration > 0 {
		b.durations = appendBounded(b.durations, c.SessionDuration)
	}
	if c.AccessFrequency > 0 {
		b.frequencies = appendBounded(b.frequencies, c.AccessFrequency)
	}
	b.accessHours[c.AccessHour] = true

	return snapshot
}

func appendBounded(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > maxBaselineSamples {
		samples = samples[1:]
	}
	return samples
}

// watchdogStages: collect_baseline, detect_anomalies, analyze_behavior,
// assess_threats, pattern_analysis, security_correlation.
func (a *Agent) watchdogStages(s *state) {
	c := s.req.Context

	// collect_baseline
	baseline := a.baselines.observe(s.req.UserID, c)
	s.note("baseline collected: %d typing, %d duration, %d frequency samples",
		len(baseline.typingSpeeds), len(baseline.durations), len(baseline.frequencies))

	// detect_anomalies
	if c.KeystrokesPerMinute > 0 && len(baseline.typingSpeeds) >= 2 {
		z := zScore(c.KeystrokesPerMinute, baseline.typingSpeeds)
		switch {
		case z > 2.5:
			s.anomalyScore += 0.3
			s.anomalies = append(s.anomalies, "typing speed far outside baseline")
		case z > 1.5:
			s.anomalyScore += 0.1
			s.anomalies = append(s.anomalies, "typing speed drift")
		}
	}
	if c.SessionDuration > 0 && len(baseline.durations) > 0 {
		m := sampleMean(baseline.durations)
		switch {
		case m > 0 && c.SessionDuration < 0.1*m:
			s.anomalyScore += 0.4
			s.anomalies = append(s.anomalies, "session far shorter than baseline")
		case m > 0 && c.SessionDuration > 5*m:
			s.anomalyScore += 0.2
			s.anomalies = append(s.anomalies, "session far longer than baseline")
		}
	}

	// analyze_behavior
	if c.AccessFrequency > 0 && len(baseline.frequencies) > 0 {
		max := sampleMax(baseline.frequencies)
		switch {
		case c.AccessFrequency > 3*max:
			s.anomalyScore += 0.5
			s.anomalies = append(s.anomalies, "access frequency burst")
		case c.AccessFrequency > 2*max:
			s.anomalyScore += 0.2
			s.anomalies = append(s.anomalies, "access frequency elevated")
		}
	}

	// assess_threats: globally impossible human values trump baselines.
	if c.KeystrokesPerMinute > 500 || (c.KeystrokesPerMinute > 0 && c.KeystrokesPerMinute < 1) {
		s.securityAlerts = append(s.securityAlerts, "Bot-like behavior detected")
		s.anomalyScore += 0.5
		s.threatLevel = ThreatCritical
	}

	// pattern_analysis
	if len(baseline.accessHours) >= minHoursForPattern && !baseline.accessHours[c.AccessHour] {
		s.anomalyScore += 0.3
		s.patternDeviations = append(s.patternDeviations, "access hour outside observed pattern")
	}

	// security_correlation
	if s.threatLevel < ThreatCritical {
		switch {
		case s.anomalyScore >= 0.7:
			s.threatLevel = ThreatElevated
		case s.anomalyScore >= 0.3:
			s.threatLevel = ThreatLow
		}
	}
	if s.anomalyScore >= 0.5 && len(s.riskFactors) > 0 {
		s.securityAlerts = append(s.securityAlerts, "anomalies correlate with failed verifications")
	}
	s.note("anomaly score %.2f, threat level %s", s.anomalyScore, s.threatLevel)
}

func (a *Agent) watchdogDecide(s *state) {
	// Hard overrides.
	if s.threatLevel == ThreatCritical || s.anomalyScore >= 0.7 || len(s.securityAlerts) >= 3 {
		s.outcome = OutcomeDeny
		s.confidence = ConfidenceHigh
		s.note("watchdog override: threat=%s anomaly=%.2f alerts=%d",
			s.threatLevel, s.anomalyScore, len(s.securityAlerts))
		return
	}

	score := s.trust -
		s.anomalyScore -
		0.10*float64(len(s.patternDeviations)) -
		0.15*float64(len(s.securityAlerts))
	s.note("watchdog score %.3f (allow >= 0.60, deny <= 0.30)", score)

	switch {
	case score >= 0.60:
		s.outcome = OutcomeAllow
	case score <= 0.30:
		s.outcome = OutcomeDeny
	default:
		s.outcome = OutcomeAllowWithMonitoring
		s.monitoring = true
		s.note("allowing with enhanced monitoring")
	}
}

func sampleMean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func sampleMax(samples []float64) float64 {
	max := 0.0
	for _, v := range samples {
		if v > max {
			max = v
		}
	}
	return max
}

// zScore measures how many standard deviations v sits from the sample
// mean. Degenerate baselines (zero spread) report no deviation.
func zScore(v float64, samples []float64) float64 {
	m := sampleMean(samples)
	variance := 0.0
	for _, s := range samples {
		d := s - m
		variance += d * d
	}
	variance /= float64(len(samples))
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return math.Abs(v-m) / std
}
