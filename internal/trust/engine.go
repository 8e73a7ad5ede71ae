package trust

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/vaultik/backend/internal/circuitbreaker"
	"github.com/vaultik/backend/internal/events"
)

// ============================================================================
// TRUST SCORING ENGINE - weighted multi-factor user trust evaluation
// ============================================================================

// Sub-metric weights. They sum to 1.0 so the overall score stays in [0,100].
const (
	weightDevice     = 0.20
	weightTemporal   = 0.15
	weightGeographic = 0.15
	weightBehavioral = 0.20
	weightFrequency  = 0.10
	weightRisk       = 0.10
	weightCompliance = 0.05
	weightHistory    = 0.05
)

// Engine computes trust evaluations and owns all UserTrustProfiles.
// Each user's evaluations and persistence serialize on that user's own
// lock; users never block each other, not even on slow store I/O.
type Engine struct {
	mu    sync.RWMutex
	users map[string]*userEntry

	store   ProfileStore
	breaker *circuitbreaker.CircuitBreaker
	emitter events.EventEmitter
}

// userEntry pairs one user's profile with the lock that serializes all
// writes to it.
type userEntry struct {
	mu      sync.Mutex
	profile *UserTrustProfile
}

// Option configures the engine.
type Option func(*Engine)

// WithStoreBreaker guards profile persistence with a circuit breaker.
func WithStoreBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = cb }
}

// WithEmitter wires the control-plane event bus.
func WithEmitter(em events.EventEmitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// NewEngine creates a trust scoring engine backed by the given store.
func NewEngine(store ProfileStore, opts ...Option) *Engine {
	e := &Engine{
		users:   make(map[string]*userEntry),
		store:   store,
		emitter: events.NopEmitter{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate computes the weighted trust evaluation for a (user, context)
// pair and updates the user's behavioral baselines. It never returns an
// error outward: any internal failure yields the zero-score, highest-risk
// evaluation.
func (e *Engine) Evaluate(ctx context.Context, userID string, c Context, sessionID string) (eval Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("trust evaluation panicked", "user", userID, "panic", r)
			eval = failedEvaluation(userID)
		}
	}()

	if userID == "" {
		return failedEvaluation(userID)
	}

	en := e.userFor(userID)
	en.mu.Lock()
	defer en.mu.Unlock()

	profile := e.resolveProfile(ctx, en, userID)
	now := time.Now()

	var interval float64 // seconds since last access, 0 if unknown
	if c.LastAccess != nil {
		interval = now.Sub(*c.LastAccess).Seconds()
	} else if !profile.LastAccess.IsZero() {
		interval = now.Sub(profile.LastAccess).Seconds()
	}

	m := Metrics{
		DeviceConsistency:     scoreDevice(c, profile),
		TemporalPatterns:      scoreTemporal(c, profile, interval),
		GeographicConsistency: scoreGeographic(c, profile),
		BehavioralPatterns:    scoreBehavioral(c, profile),
		AccessFrequency:       scoreFrequency(c, profile),
		RiskIndicators:        scoreRiskIndicators(c, profile, interval, now),
		ComplianceScore:       scoreCompliance(c, profile),
		HistoricalReliability: scoreHistory(profile),
	}

	overall := weightDevice*m.DeviceConsistency +
		weightTemporal*m.TemporalPatterns +
		weightGeographic*m.GeographicConsistency +
		weightBehavioral*m.BehavioralPatterns +
		weightFrequency*m.AccessFrequency +
		weightRisk*m.RiskIndicators +
		weightCompliance*m.ComplianceScore +
		weightHistory*m.HistoricalReliability
	overall = clamp(overall, 0, 100)

	level := riskLevelFor(overall)

	eval = Evaluation{
		UserID:             userID,
		OverallScore:       overall,
		RiskLevel:          level,
		Metrics:            m,
		Confidence:         confidenceFor(profile),
		AdaptiveThresholds: adaptiveThresholds(profile),
		Recommendations:    recommendations(m, level),
		Timestamp:          now,
	}

	e.updateProfile(profile, c, overall, level, interval, now)
	e.persist(ctx, profile)

	e.emitter.Emit(events.TypeTrustEvaluated, "trust-engine", userID, map[string]interface{}{
		"session_id": sessionID,
		"score":      overall,
		"risk_level": level.String(),
	})

	return eval
}

// GetProfile returns a deep copy of the user's profile, detached from
// the live one the engine keeps mutating.
func (e *Engine) GetProfile(ctx context.Context, userID string) (*UserTrustProfile, error) {
	e.mu.RLock()
	en, ok := e.users[userID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("trust: no profile for user %s", userID)
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.profile == nil {
		return nil, fmt.Errorf("trust: no profile for user %s", userID)
	}
	return en.profile.Clone(), nil
}

// RecordComplianceViolation bumps the user's violation counter.
func (e *Engine) RecordComplianceViolation(ctx context.Context, userID string) {
	en := e.userFor(userID)
	en.mu.Lock()
	defer en.mu.Unlock()
	profile := e.resolveProfile(ctx, en, userID)
	profile.ComplianceViolations++
	e.persist(ctx, profile)
}

// userFor returns the entry holding the user's lock, creating it on
// first sight. The engine lock is only held long enough to touch the
// map, never across profile work.
func (e *Engine) userFor(userID string) *userEntry {
	e.mu.RLock()
	en, ok := e.users[userID]
	e.mu.RUnlock()
	if ok {
		return en
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if en, ok := e.users[userID]; ok {
		return en
	}
	en = &userEntry{}
	e.users[userID] = en
	return en
}

// resolveProfile resolves the entry's profile, falling back to the
// store. Must be called with the user's lock held.
func (e *Engine) resolveProfile(ctx context.Context, en *userEntry, userID string) *UserTrustProfile {
	if en.profile != nil {
		return en.profile
	}
	if e.store != nil {
		if stored, err := e.store.Load(ctx, userID); err == nil && stored != nil {
			en.profile = stored
			return stored
		}
	}
	en.profile = NewProfile(userID)
	return en.profile
}

// persist writes the profile through the store breaker, under the
// user's lock only, so one user's slow save never stalls another user.
// Persistence failures are logged and swallowed: the in-memory profile
// is treated as the live copy and the stored one as stale.
func (e *Engine) persist(ctx context.Context, profile *UserTrustProfile) {
	if e.store == nil {
		return
	}
	save := func() error { return e.store.Save(ctx, profile) }

	var err error
	if e.breaker != nil {
		_, err = e.breaker.Execute(func() (interface{}, error) { return nil, save() })
	} else {
		err = save()
	}
	if err != nil {
		slog.Warn("trust profile persistence failed", "user", profile.UserID, "error", err)
	}
}

// updateProfile applies the post-evaluation mutations: history,
// baselines, risk events and counters. Must be called with the user's
// lock held.
func (e *Engine) updateProfile(profile *UserTrustProfile, c Context, overall float64, level RiskLevel, interval float64, now time.Time) {
	profile.TrustHistory = pushBounded(profile.TrustHistory, overall, maxTrustHistory)
	profile.BaselineScore = mean(profile.TrustHistory)

	if c.DeviceFingerprint != "" && !containsString(profile.KnownDevices, c.DeviceFingerprint) {
		profile.KnownDevices = append(profile.KnownDevices, c.DeviceFingerprint)
		if len(profile.KnownDevices) > maxKnownDevices {
			profile.KnownDevices = profile.KnownDevices[1:]
		}
	}

	if c.Latitude != nil && c.Longitude != nil {
		loc := Location{Latitude: *c.Latitude, Longitude: *c.Longitude}
		if nearestDistanceKm(loc, profile.KnownLocations) > 5 {
			profile.KnownLocations = append(profile.KnownLocations, loc)
			if len(profile.KnownLocations) > maxKnownLocations {
				profile.KnownLocations = profile.KnownLocations[1:]
			}
		}
	}

	if interval > 0 {
		profile.AccessIntervals = pushBounded(profile.AccessIntervals, interval, maxAccessIntervals)
	}
	if c.SessionDuration != nil {
		profile.SessionDurations = pushBounded(profile.SessionDurations, *c.SessionDuration, maxSessionDurations)
	}
	if c.KeystrokesPerMinute != nil {
		profile.TypingSpeeds = pushBounded(profile.TypingSpeeds, *c.KeystrokesPerMinute, maxTypingSpeeds)
	}

	if level == RiskHigh || level == RiskVeryHigh {
		profile.RiskEvents = append(profile.RiskEvents, RiskEvent{
			Timestamp: now,
			Level:     level.String(),
			Score:     overall,
		})
	}

	profile.TotalEvaluations++
	profile.LastEvaluation = now
	profile.LastAccess = now
}

// confidenceFor derives evaluation confidence from the depth and
// stability of the user's history.
func confidenceFor(profile *UserTrustProfile) float64 {
	base := math.Min(80, 2*float64(profile.TotalEvaluations))
	stability := math.Max(0, 20-variance(profile.TrustHistory)/5)
	return clamp(base+stability, 0, 100)
}

// ============================================================================
// SUB-METRICS
// ============================================================================

func scoreDevice(c Context, p *UserTrustProfile) float64 {
	score := 0.0
	if c.DeviceVerified {
		score = 80
	}
	if c.DeviceFingerprint != "" && containsString(p.KnownDevices, c.DeviceFingerprint) {
		score += 20
	} else if c.DeviceVerified {
		score += 10
	}
	return clamp(score, 0, 100)
}

func scoreTemporal(c Context, p *UserTrustProfile, interval float64) float64 {
	score := 0.0
	if c.TimestampVerified {
		score = 70
	}
	if len(p.AccessIntervals) > 0 && interval > 0 {
		m := mean(p.AccessIntervals)
		if m > 0 {
			score += 30 * math.Max(0, 1-math.Abs(interval-m)/m)
		}
	}
	return clamp(score, 0, 100)
}

func scoreGeographic(c Context, p *UserTrustProfile) float64 {
	score := 0.0
	if c.LocationVerified {
		score = 70
	}
	if c.Latitude != nil && c.Longitude != nil && len(p.KnownLocations) > 0 {
		d := nearestDistanceKm(Location{Latitude: *c.Latitude, Longitude: *c.Longitude}, p.KnownLocations)
		switch {
		case d <= 10:
			score += 30
		case d <= 50:
			score += 20
		case d <= 200:
			score += 10
		}
	}
	return clamp(score, 0, 100)
}

func scoreBehavioral(c Context, p *UserTrustProfile) float64 {
	score := 0.0
	if c.PatternVerified {
		score = 70
	}
	if c.SessionDuration != nil && len(p.SessionDurations) > 0 {
		score += deviationBonus(*c.SessionDuration, mean(p.SessionDurations), 15)
	}
	if c.KeystrokesPerMinute != nil && len(p.TypingSpeeds) > 0 {
		score += deviationBonus(*c.KeystrokesPerMinute, mean(p.TypingSpeeds), 15)
	}
	return clamp(score, 0, 100)
}

func scoreFrequency(c Context, p *UserTrustProfile) float64 {
	if c.AccessFrequency == nil || len(p.AccessIntervals) == 0 {
		return 60
	}
	meanInterval := mean(p.AccessIntervals)
	if meanInterval <= 0 {
		return 60
	}
	typicalPerDay := 86400 / meanInterval
	ratio := *c.AccessFrequency / typicalPerDay
	switch {
	case ratio >= 0.5 && ratio <= 2.0:
		return 90
	case ratio >= 0.2 && ratio <= 3.0:
		return 70
	default:
		return 40
	}
}

func scoreRiskIndicators(c Context, p *UserTrustProfile, interval float64, now time.Time) float64 {
	score := 100.0

	weekAgo := now.Add(-7 * 24 * time.Hour)
	for _, ev := range p.RiskEvents {
		if ev.Timestamp.After(weekAgo) {
			score -= 10
		}
	}

	score -= 15 * float64(c.FailedVerifications())

	if interval > 0 && interval < 60 {
		score -= 20
	}

	return clamp(score, 0, 100)
}

func scoreCompliance(c Context, p *UserTrustProfile) float64 {
	score := 100 - 5*float64(p.ComplianceViolations)
	if c.BusinessHours != nil && !*c.BusinessHours {
		score -= 10
	}
	if c.IPConsistent != nil && !*c.IPConsistent {
		score -= 15
	}
	return clamp(score, 0, 100)
}

func scoreHistory(p *UserTrustProfile) float64 {
	if len(p.TrustHistory) == 0 {
		return 50
	}
	score := 0.7*mean(p.TrustHistory) + 0.3*(100-variance(p.TrustHistory))
	return clamp(score, 0, 100)
}

// ============================================================================
// HELPERS
// ============================================================================

// adaptiveThresholds shifts the five level cutoffs toward the user's
// historical mean: shift = 0.1·(mean − 75), thresholds clamped ≥ 0.
func adaptiveThresholds(p *UserTrustProfile) map[string]float64 {
	shift := 0.0
	if len(p.TrustHistory) > 0 {
		shift = 0.1 * (mean(p.TrustHistory) - 75)
	}
	return map[string]float64{
		"very_low":  math.Max(0, 90+shift),
		"low":       math.Max(0, 75+shift),
		"medium":    math.Max(0, 60+shift),
		"high":      math.Max(0, 40+shift),
		"very_high": math.Max(0, 0+shift),
	}
}

func recommendations(m Metrics, level RiskLevel) []string {
	recs := make([]string, 0, 4)
	if m.DeviceConsistency < 50 {
		recs = append(recs, "register this device to strengthen device consistency")
	}
	if m.GeographicConsistency < 50 {
		recs = append(recs, "access from an unrecognized location; verify identity via a second factor")
	}
	if m.RiskIndicators < 60 {
		recs = append(recs, "recent risk events detected; consider enhanced monitoring")
	}
	if level == RiskHigh || level == RiskVeryHigh {
		recs = append(recs, "deny or require step-up authentication")
	}
	return recs
}

func failedEvaluation(userID string) Evaluation {
	return Evaluation{
		UserID:             userID,
		OverallScore:       0,
		RiskLevel:          RiskVeryHigh,
		Confidence:         0,
		AdaptiveThresholds: map[string]float64{},
		Recommendations:    []string{"system error"},
		Timestamp:          time.Now(),
	}
}

// deviationBonus scales maxBonus by how close value is to the baseline mean.
func deviationBonus(value, baseline, maxBonus float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return maxBonus * math.Max(0, 1-math.Abs(value-baseline)/baseline)
}

// nearestDistanceKm uses the approximate planar distance (degrees × 111).
func nearestDistanceKm(loc Location, known []Location) float64 {
	if len(known) == 0 {
		return math.Inf(1)
	}
	nearest := math.Inf(1)
	for _, k := range known {
		dLat := loc.Latitude - k.Latitude
		dLon := loc.Longitude - k.Longitude
		d := math.Sqrt(dLat*dLat+dLon*dLon) * 111
		if d < nearest {
			nearest = d
		}
	}
	return nearest
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
