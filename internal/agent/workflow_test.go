package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reasoningContains(d Decision, substr string) bool {
	for _, line := range d.Reasoning {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func happyContext() RequestContext {
	return RequestContext{
		DeviceVerified:      true,
		TimestampVerified:   true,
		LocationVerified:    true,
		PatternVerified:     true,
		SessionDuration:     1800,
		KeystrokesPerMinute: 65,
		AccessFrequency:     3,
		AccessHour:          14,
		BusinessHours:       true,
	}
}

func TestNeutralHappyPath(t *testing.T) {
	a := New("agent-neutral-1", TypeNeutral)
	d := a.Decide(context.Background(), Request{
		RequestID:  "req-1",
		UserID:     "user-1",
		TrustScore: 85,
		Context:    happyContext(),
	})

	assert.Equal(t, OutcomeAllow, d.Outcome)
	assert.GreaterOrEqual(t, d.Confidence, ConfidenceMedium)
	assert.Empty(t, d.RiskFactors)
	assert.Len(t, d.AccessFactors, 4)
}

func TestNeutralTieZoneDenies(t *testing.T) {
	a := New("agent-neutral-2", TypeNeutral)
	// one access factor, three unverified risks: 0.60 + 0.10 - 0.24 = 0.46,
	// inside the 0.40..0.60 tie zone.
	d := a.Decide(context.Background(), Request{
		RequestID:  "req-tie",
		UserID:     "user-1",
		TrustScore: 60,
		Context: RequestContext{
			DeviceVerified: true,
			AccessHour:     14,
			BusinessHours:  true,
		},
	})
	assert.Equal(t, OutcomeDeny, d.Outcome)
}

func TestStrictTrustGate(t *testing.T) {
	a := New("agent-strict-1", TypeStrict)
	d := a.Decide(context.Background(), Request{
		RequestID:  "req-2",
		UserID:     "user-1",
		TrustScore: 55,
		Context:    happyContext(),
	})

	assert.Equal(t, OutcomeDeny, d.Outcome)
	assert.Contains(t, d.SecurityViolations, "trust below minimum")
	assert.GreaterOrEqual(t, d.Confidence, ConfidenceHigh)
}

func TestStrictAllowsHighTrustFullVerification(t *testing.T) {
	a := New("agent-strict-2", TypeStrict)
	d := a.Decide(context.Background(), Request{
		RequestID:  "req-3",
		UserID:     "user-1",
		TrustScore: 95,
		Context:    happyContext(),
	})

	assert.Empty(t, d.SecurityViolations)
	assert.Equal(t, OutcomeAllow, d.Outcome)
}

func TestStrictMissingMandatoryFactor(t *testing.T) {
	a := New("agent-strict-3", TypeStrict)
	c := happyContext()
	c.DeviceVerified = false

	d := a.Decide(context.Background(), Request{
		RequestID:  "req-4",
		UserID:     "user-1",
		TrustScore: 95,
		Context:    c,
	})
	assert.Equal(t, OutcomeDeny, d.Outcome)
	assert.Contains(t, d.SecurityViolations, "required verification factor missing")
}

func TestPermissiveReducedTrustMonitoring(t *testing.T) {
	a := New("agent-permissive-1", TypePermissive)
	d := a.Decide(context.Background(), Request{
		RequestID:  "req-5",
		UserID:     "user-1",
		TrustScore: 45,
		Context: RequestContext{
			DeviceVerified:      true,
			TimestampVerified:   true,
			SessionDuration:     1800,
			KeystrokesPerMinute: 65,
			AccessFrequency:     3,
			AccessHour:          14,
			BusinessHours:       true,
		},
	})

	assert.Equal(t, OutcomeAllow, d.Outcome)
	assert.NotEmpty(t, d.FlexibilityApplied)
	assert.Contains(t, d.FlexibilityApplied, "trust leniency applied")
	assert.True(t, d.Monitoring)
	assert.True(t, reasoningContains(d, "enhanced monitoring"))
}

func TestPermissiveCriticalRiskDenies(t *testing.T) {
	a := New("agent-permissive-2", TypePermissive)
	d := a.Decide(context.Background(), Request{
		RequestID:  "req-6",
		UserID:     "user-1",
		TrustScore: 15,
		Context:    RequestContext{AccessHour: 3},
	})
	assert.Equal(t, OutcomeDeny, d.Outcome)
}

func TestWatchdogBotDetection(t *testing.T) {
	a := New("agent-watchdog-1", TypeWatchdog)
	c := happyContext()
	c.KeystrokesPerMinute = 600

	d := a.Decide(context.Background(), Request{
		RequestID:  "req-7",
		UserID:     "user-1",
		TrustScore: 85,
		Context:    c,
	})

	assert.Equal(t, OutcomeDeny, d.Outcome)
	assert.Contains(t, d.SecurityAlerts, "Bot-like behavior detected")
	assert.GreaterOrEqual(t, d.AnomalyScore, 0.3)
	assert.Equal(t, ThreatCritical, d.ThreatLevel)
	assert.GreaterOrEqual(t, d.Confidence, ConfidenceHigh)
}

func TestWatchdogBaselineDeviation(t *testing.T) {
	a := New("agent-watchdog-2", TypeWatchdog)
	ctx := context.Background()

	// Establish a typing baseline around 60 kpm.
	for i := 0; i < 10; i++ {
		c := happyContext()
		c.KeystrokesPerMinute = 60 + float64(i%3)
		a.Decide(ctx, Request{RequestID: "warm", UserID: "user-base", TrustScore: 85, Context: c})
	}

	c := happyContext()
	c.KeystrokesPerMinute = 300
	d := a.Decide(ctx, Request{RequestID: "req-8", UserID: "user-base", TrustScore: 85, Context: c})
	assert.NotEmpty(t, d.Anomalies)
}

func TestWatchdogNormalBehaviorAllows(t *testing.T) {
	a := New("agent-watchdog-3", TypeWatchdog)
	d := a.Decide(context.Background(), Request{
		RequestID:  "req-9",
		UserID:     "user-ok",
		TrustScore: 90,
		Context:    happyContext(),
	})
	assert.Equal(t, OutcomeAllow, d.Outcome)
}

func TestVerifiedCount(t *testing.T) {
	c := RequestContext{DeviceVerified: true, PatternVerified: true}
	assert.Equal(t, 2, c.VerifiedCount())
	assert.Equal(t, 4, happyContext().VerifiedCount())
	assert.Equal(t, 0, RequestContext{}.VerifiedCount())
}

func TestParseType(t *testing.T) {
	for _, typ := range AllTypes {
		parsed, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err := ParseType("bogus")
	assert.Error(t, err)
}

func TestDecisionCarriesRequestIdentity(t *testing.T) {
	a := New("agent-x", TypeNeutral)
	d := a.Decide(context.Background(), Request{RequestID: "req-id", UserID: "u", TrustScore: 80, Context: happyContext()})
	assert.Equal(t, "agent-x", d.AgentID)
	assert.Equal(t, TypeNeutral, d.AgentType)
	assert.Equal(t, "req-id", d.RequestID)
	assert.False(t, d.Timestamp.IsZero())
}
