package trust

import "time"

// RiskLevel buckets an overall trust score.
type RiskLevel int

const (
	RiskVeryLow RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskVeryHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskVeryLow:
		return "VERY_LOW"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskVeryHigh:
		return "VERY_HIGH"
	default:
		return "UNKNOWN"
	}
}

// riskLevelFor maps an overall score to its bucket. Higher score never maps
// to a higher-risk level.
func riskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 90:
		return RiskVeryLow
	case score >= 75:
		return RiskLow
	case score >= 60:
		return RiskMedium
	case score >= 40:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

// Context carries the per-request evidence the scoring engine consumes.
// The four verification booleans come from the context verification
// adapter; everything else is optional raw evidence.
type Context struct {
	DeviceVerified    bool
	TimestampVerified bool
	LocationVerified  bool
	PatternVerified   bool

	DeviceFingerprint string
	Latitude          *float64
	Longitude         *float64

	// SessionDuration in seconds.
	SessionDuration *float64

	// KeystrokesPerMinute from the client telemetry.
	KeystrokesPerMinute *float64

	LastAccess *time.Time

	// AccessFrequency is accesses per day as observed by the caller.
	AccessFrequency *float64

	BusinessHours *bool
	IPConsistent  *bool
}

// FailedVerifications counts how many of the four factors failed.
func (c *Context) FailedVerifications() int {
	n := 0
	for _, ok := range []bool{c.DeviceVerified, c.TimestampVerified, c.LocationVerified, c.PatternVerified} {
		if !ok {
			n++
		}
	}
	return n
}

// Metrics holds the eight named sub-scores, each in [0,100].
type Metrics struct {
	DeviceConsistency     float64 `json:"device_consistency"`
	TemporalPatterns      float64 `json:"temporal_patterns"`
	GeographicConsistency float64 `json:"geographic_consistency"`
	BehavioralPatterns    float64 `json:"behavioral_patterns"`
	AccessFrequency       float64 `json:"access_frequency"`
	RiskIndicators        float64 `json:"risk_indicators"`
	ComplianceScore       float64 `json:"compliance_score"`
	HistoricalReliability float64 `json:"historical_reliability"`
}

// Evaluation is the immutable result of one trust evaluation.
type Evaluation struct {
	UserID             string             `json:"user_id"`
	OverallScore       float64            `json:"overall_score"`
	RiskLevel          RiskLevel          `json:"risk_level"`
	Metrics            Metrics            `json:"metrics"`
	Confidence         float64            `json:"confidence"`
	AdaptiveThresholds map[string]float64 `json:"adaptive_thresholds"`
	Recommendations    []string           `json:"recommendations"`
	Timestamp          time.Time          `json:"timestamp"`
}

// RiskEvent records an evaluation that landed in a high-risk bucket.
type RiskEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Score     float64   `json:"score"`
}

// Location is a known lat/lon pair in a user's baseline.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Baseline deque capacities. Eviction is FIFO.
const (
	maxTrustHistory     = 100
	maxKnownDevices     = 10
	maxKnownLocations   = 20
	maxAccessIntervals  = 50
	maxSessionDurations = 30
	maxTypingSpeeds     = 30
)

// UserTrustProfile is the persistent per-user state owned by the engine.
// All deques are bounded; serialization is plain JSON arrays.
type UserTrustProfile struct {
	UserID        string  `json:"user_id"`
	BaselineScore float64 `json:"baseline_score"`

	TrustHistory []float64 `json:"trust_history"`

	KnownDevices     []string   `json:"known_devices"`
	KnownLocations   []Location `json:"known_locations"`
	AccessIntervals  []float64  `json:"access_intervals"`  // seconds
	SessionDurations []float64  `json:"session_durations"` // seconds
	TypingSpeeds     []float64  `json:"typing_speeds"`     // keystrokes/min

	RiskEvents []RiskEvent `json:"risk_events"`

	TotalEvaluations     int       `json:"total_evaluations"`
	ComplianceViolations int       `json:"compliance_violations"`
	LastEvaluation       time.Time `json:"last_evaluation"`
	LastAccess           time.Time `json:"last_access"`
}

// Clone returns a deep copy sharing no slice backing with the receiver.
func (p *UserTrustProfile) Clone() *UserTrustProfile {
	cp := *p
	cp.TrustHistory = append([]float64(nil), p.TrustHistory...)
	cp.KnownDevices = append([]string(nil), p.KnownDevices...)
	cp.KnownLocations = append([]Location(nil), p.KnownLocations...)
	cp.AccessIntervals = append([]float64(nil), p.AccessIntervals...)
	cp.SessionDurations = append([]float64(nil), p.SessionDurations...)
	cp.TypingSpeeds = append([]float64(nil), p.TypingSpeeds...)
	cp.RiskEvents = append([]RiskEvent(nil), p.RiskEvents...)
	return &cp
}

// NewProfile creates an empty profile for a user.
func NewProfile(userID string) *UserTrustProfile {
	return &UserTrustProfile{
		UserID:           userID,
		BaselineScore:    50,
		TrustHistory:     make([]float64, 0, maxTrustHistory),
		KnownDevices:     make([]string, 0, maxKnownDevices),
		KnownLocations:   make([]Location, 0, maxKnownLocations),
		AccessIntervals:  make([]float64, 0, maxAccessIntervals),
		SessionDurations: make([]float64, 0, maxSessionDurations),
		TypingSpeeds:     make([]float64, 0, maxTypingSpeeds),
		RiskEvents:       make([]RiskEvent, 0),
	}
}

// pushBounded appends v and evicts the oldest entry past cap.
func pushBounded(deque []float64, v float64, cap int) []float64 {
	deque = append(deque, v)
	if len(deque) > cap {
		deque = deque[1:]
	}
	return deque
}
