package trust

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewEngine(store)
}

func fullContext() Context {
	lat, lon := 40.71, -74.0
	session := 1800.0
	kpm := 65.0
	freq := 5.0
	business := true
	ip := true
	return Context{
		DeviceVerified:      true,
		TimestampVerified:   true,
		LocationVerified:    true,
		PatternVerified:     true,
		DeviceFingerprint:   "device-abc",
		Latitude:            &lat,
		Longitude:           &lon,
		SessionDuration:     &session,
		KeystrokesPerMinute: &kpm,
		AccessFrequency:     &freq,
		BusinessHours:       &business,
		IPConsistent:        &ip,
	}
}

func TestEvaluateScoreBounds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	eval := e.Evaluate(ctx, "user-1", fullContext(), "session-1")
	assert.GreaterOrEqual(t, eval.OverallScore, 0.0)
	assert.LessOrEqual(t, eval.OverallScore, 100.0)
	assert.GreaterOrEqual(t, eval.Confidence, 0.0)
	assert.LessOrEqual(t, eval.Confidence, 100.0)
	assert.Equal(t, "user-1", eval.UserID)
	assert.False(t, eval.Timestamp.IsZero())
}

func TestRiskLevelBuckets(t *testing.T) {
	cases := []struct {
		score float64
		want  RiskLevel
	}{
		{95, RiskVeryLow},
		{90, RiskVeryLow},
		{80, RiskLow},
		{75, RiskLow},
		{65, RiskMedium},
		{60, RiskMedium},
		{50, RiskHigh},
		{40, RiskHigh},
		{39.9, RiskVeryHigh},
		{0, RiskVeryHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, riskLevelFor(tc.score), "score %.1f", tc.score)
	}
}

func TestBoundedDeques(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		c := fullContext()
		fp := string(rune('a'+i%26)) + "-device"
		c.DeviceFingerprint = fp
		e.Evaluate(ctx, "user-deque", c, "s")
	}

	profile, err := e.GetProfile(ctx, "user-deque")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(profile.TrustHistory), maxTrustHistory)
	assert.LessOrEqual(t, len(profile.KnownDevices), maxKnownDevices)
	assert.LessOrEqual(t, len(profile.KnownLocations), maxKnownLocations)
	assert.LessOrEqual(t, len(profile.AccessIntervals), maxAccessIntervals)
	assert.LessOrEqual(t, len(profile.SessionDurations), maxSessionDurations)
	assert.LessOrEqual(t, len(profile.TypingSpeeds), maxTypingSpeeds)
	assert.Equal(t, 150, profile.TotalEvaluations)
}

func TestTrustHistoryFIFO(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < maxTrustHistory+5; i++ {
		e.Evaluate(ctx, "user-fifo", fullContext(), "s")
	}
	profile, err := e.GetProfile(ctx, "user-fifo")
	require.NoError(t, err)
	assert.Len(t, profile.TrustHistory, maxTrustHistory)
}

func TestUnverifiedContextScoresLower(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	good := e.Evaluate(ctx, "user-good", fullContext(), "s")

	bad := fullContext()
	bad.DeviceVerified = false
	bad.TimestampVerified = false
	bad.LocationVerified = false
	bad.PatternVerified = false
	worse := e.Evaluate(ctx, "user-bad", bad, "s")

	assert.Greater(t, good.OverallScore, worse.OverallScore)
}

func TestKnownDeviceImprovesScore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first := e.Evaluate(ctx, "user-dev", fullContext(), "s")
	second := e.Evaluate(ctx, "user-dev", fullContext(), "s")
	assert.GreaterOrEqual(t, second.Metrics.DeviceConsistency, first.Metrics.DeviceConsistency)
	assert.Equal(t, 100.0, second.Metrics.DeviceConsistency)
}

func TestConfidenceGrowsWithEvaluations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first := e.Evaluate(ctx, "user-conf", fullContext(), "s")
	var last Evaluation
	for i := 0; i < 40; i++ {
		last = e.Evaluate(ctx, "user-conf", fullContext(), "s")
	}
	assert.Greater(t, last.Confidence, first.Confidence)
	assert.LessOrEqual(t, last.Confidence, 100.0)
}

func TestAdaptiveThresholdsPresent(t *testing.T) {
	e := newTestEngine(t)
	eval := e.Evaluate(context.Background(), "user-th", fullContext(), "s")

	require.Contains(t, eval.AdaptiveThresholds, "very_low")
	require.Contains(t, eval.AdaptiveThresholds, "low")
	require.Contains(t, eval.AdaptiveThresholds, "medium")
	require.Contains(t, eval.AdaptiveThresholds, "high")
}

func TestComplianceViolationLowersCompliance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	before := e.Evaluate(ctx, "user-cv", fullContext(), "s")
	for i := 0; i < 3; i++ {
		e.RecordComplianceViolation(ctx, "user-cv")
	}
	after := e.Evaluate(ctx, "user-cv", fullContext(), "s")
	assert.Less(t, after.Metrics.ComplianceScore, before.Metrics.ComplianceScore)
}

func TestRiskEventRecordedOnHighRisk(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	c := Context{}
	e.Evaluate(ctx, "user-risk", c, "s")

	profile, err := e.GetProfile(ctx, "user-risk")
	require.NoError(t, err)
	assert.NotEmpty(t, profile.RiskEvents)
}

// gatedStore wraps a store and parks Save calls for one user until
// released.
type gatedStore struct {
	inner    ProfileStore
	gateUser string
	saving   chan struct{}
	release  chan struct{}
}

func (s *gatedStore) Load(ctx context.Context, userID string) (*UserTrustProfile, error) {
	return s.inner.Load(ctx, userID)
}

func (s *gatedStore) Save(ctx context.Context, p *UserTrustProfile) error {
	if p.UserID == s.gateUser {
		s.saving <- struct{}{}
		<-s.release
	}
	return s.inner.Save(ctx, p)
}

func (s *gatedStore) Delete(ctx context.Context, userID string) error {
	return s.inner.Delete(ctx, userID)
}

func TestEvaluationsIndependentAcrossUsers(t *testing.T) {
	inner, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	gs := &gatedStore{
		inner:    inner,
		gateUser: "user-a",
		saving:   make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	e := NewEngine(gs)
	ctx := context.Background()

	aDone := make(chan struct{})
	go func() {
		e.Evaluate(ctx, "user-a", fullContext(), "s")
		close(aDone)
	}()
	<-gs.saving

	// user-a's save is parked inside the store; user-b must not queue
	// behind it.
	bDone := make(chan Evaluation, 1)
	go func() { bDone <- e.Evaluate(ctx, "user-b", fullContext(), "s") }()
	select {
	case eval := <-bDone:
		assert.Equal(t, "user-b", eval.UserID)
		assert.Greater(t, eval.OverallScore, 0.0)
	case <-time.After(2 * time.Second):
		t.Fatal("user-b evaluation blocked behind user-a's save")
	}

	close(gs.release)
	<-aDone
}

func TestGetProfileDetachedFromEngine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.Evaluate(ctx, "user-copy", fullContext(), "s")

	p1, err := e.GetProfile(ctx, "user-copy")
	require.NoError(t, err)
	require.NotEmpty(t, p1.TrustHistory)
	require.NotEmpty(t, p1.KnownDevices)

	// Scribbling on the copy must not reach the live profile.
	p1.TrustHistory[0] = -999
	p1.KnownDevices[0] = "tampered"

	p2, err := e.GetProfile(ctx, "user-copy")
	require.NoError(t, err)
	assert.NotEqual(t, -999.0, p2.TrustHistory[0])
	assert.Equal(t, "device-abc", p2.KnownDevices[0])
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	p := NewProfile("user-rt")
	p.TrustHistory = []float64{70, 75, 80}
	p.LastEvaluation = time.Now()
	require.NoError(t, store.Save(context.Background(), p))

	loaded, err := store.Load(context.Background(), "user-rt")
	require.NoError(t, err)
	assert.Equal(t, p.UserID, loaded.UserID)
	assert.Equal(t, p.TrustHistory, loaded.TrustHistory)
}

func TestFileStoreNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestFileStoreSanitizesUserID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	p := NewProfile("../escape")
	require.NoError(t, store.Save(context.Background(), p))

	// The write must land inside the store directory.
	_, err = os.Stat(filepath.Join(dir, "..", "escape_profile.json"))
	assert.True(t, os.IsNotExist(err))

	loaded, err := store.Load(context.Background(), "../escape")
	require.NoError(t, err)
	assert.Equal(t, "../escape", loaded.UserID)
}
