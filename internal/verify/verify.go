// Package verify is the thin facade over the ZK context runner. It turns
// raw request context into per-factor verified booleans and a preliminary
// trust score consumed by the trust engine and the decision agents.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vaultik/backend/internal/circuitbreaker"
)

// Level is the requested verification strength.
type Level int

const (
	LevelBasic Level = iota
	LevelStandard
	LevelHigh
	LevelMaximum
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "BASIC"
	case LevelStandard:
		return "STANDARD"
	case LevelHigh:
		return "HIGH"
	case LevelMaximum:
		return "MAXIMUM"
	default:
		return "UNKNOWN"
	}
}

// Threshold returns the minimum preliminary score that satisfies the level.
func (l Level) Threshold() float64 {
	switch l {
	case LevelBasic:
		return 25
	case LevelStandard:
		return 65
	case LevelHigh:
		return 85
	case LevelMaximum:
		return 95
	default:
		return 100
	}
}

// Factor is a bitmask over the four verifiable context factors.
type Factor uint8

const (
	FactorDevice Factor = 1 << iota
	FactorTimestamp
	FactorLocation
	FactorPattern

	AllFactors = FactorDevice | FactorTimestamp | FactorLocation | FactorPattern
)

// Has reports whether f includes the given factor.
func (f Factor) Has(factor Factor) bool { return f&factor != 0 }

// Per-factor contributions to the preliminary score.
const (
	contribDevice    = 30
	contribLocation  = 25
	contribPattern   = 25
	contribTimestamp = 20
)

// RawContext is the unverified evidence supplied with a request.
type RawContext struct {
	DeviceFingerprint string
	ChallengeNonce    string
	Timestamp         time.Time
	Latitude          *float64
	Longitude         *float64
	SessionDuration   *float64
	KeystrokesPerMin  *float64
}

// RunnerResult is what the ZK runner collaborator returns per circuit.
type RunnerResult struct {
	Verified      bool
	ProofHash     string
	PublicOutputs []string
}

// Runner executes the zero-knowledge context circuits. circuitType
// names the circuit (device_possession, timestamp_freshness,
// location_proximity, behavior_pattern); inputs are circuit-specific.
type Runner interface {
	Run(ctx context.Context, circuitType string, inputs map[string]interface{}) (RunnerResult, error)
}

// Result carries the verification outcome for one request.
type Result struct {
	UserID            string    `json:"user_id"`
	DeviceVerified    bool      `json:"device_verified"`
	TimestampVerified bool      `json:"timestamp_verified"`
	LocationVerified  bool      `json:"location_verified"`
	PatternVerified   bool      `json:"pattern_verified"`
	PreliminaryScore  float64   `json:"preliminary_score"`
	CombinedProofHash string    `json:"combined_proof_hash"`
	Level             Level     `json:"level"`
	LevelMet          bool      `json:"level_met"`
	Timestamp         time.Time `json:"timestamp"`
}

// Adapter wraps the runner with input validation, a circuit breaker and
// score roll-up.
type Adapter struct {
	runner  Runner
	breaker *circuitbreaker.CircuitBreaker
}

// NewAdapter creates the verification adapter. breaker may be nil.
func NewAdapter(runner Runner, breaker *circuitbreaker.CircuitBreaker) *Adapter {
	return &Adapter{runner: runner, breaker: breaker}
}

// Verify runs the requested circuits and rolls up the preliminary score.
// Missing required context short-circuits to an all-false result with
// LevelMet unset; runner failures mark only the affected factor false.
func (a *Adapter) Verify(ctx context.Context, userID string, raw RawContext, level Level, required Factor) Result {
	res := Result{UserID: userID, Level: level, Timestamp: time.Now()}

	// Device fingerprint and challenge nonce are mandatory before any
	// circuit is invoked.
	if raw.DeviceFingerprint == "" || raw.ChallengeNonce == "" {
		slog.Warn("context verification rejected: missing fingerprint or nonce", "user", userID)
		return res
	}

	var proofHashes []string

	if required.Has(FactorDevice) {
		ok, hash := a.runCircuit(ctx, "device_possession", map[string]interface{}{
			"fingerprint": raw.DeviceFingerprint,
			"nonce":       raw.ChallengeNonce,
		})
		res.DeviceVerified = ok
		if ok {
			res.PreliminaryScore += contribDevice
			proofHashes = append(proofHashes, hash)
		}
	}

	if required.Has(FactorTimestamp) {
		if raw.Timestamp.IsZero() {
			return allFalse(res)
		}
		ok, hash := a.runCircuit(ctx, "timestamp_freshness", map[string]interface{}{
			"timestamp": raw.Timestamp.Unix(),
			"nonce":     raw.ChallengeNonce,
		})
		res.TimestampVerified = ok
		if ok {
			res.PreliminaryScore += contribTimestamp
			proofHashes = append(proofHashes, hash)
		}
	}

	if required.Has(FactorLocation) {
		if raw.Latitude == nil || raw.Longitude == nil {
			return allFalse(res)
		}
		ok, hash := a.runCircuit(ctx, "location_proximity", map[string]interface{}{
			"latitude":  *raw.Latitude,
			"longitude": *raw.Longitude,
			"nonce":     raw.ChallengeNonce,
		})
		res.LocationVerified = ok
		if ok {
			res.PreliminaryScore += contribLocation
			proofHashes = append(proofHashes, hash)
		}
	}

	if required.Has(FactorPattern) {
		inputs := map[string]interface{}{"nonce": raw.ChallengeNonce}
		if raw.SessionDuration != nil {
			inputs["session_duration"] = *raw.SessionDuration
		}
		if raw.KeystrokesPerMin != nil {
			inputs["keystrokes_per_min"] = *raw.KeystrokesPerMin
		}
		ok, hash := a.runCircuit(ctx, "behavior_pattern", inputs)
		res.PatternVerified = ok
		if ok {
			res.PreliminaryScore += contribPattern
			proofHashes = append(proofHashes, hash)
		}
	}

	if res.PreliminaryScore > 100 {
		res.PreliminaryScore = 100
	}
	res.CombinedProofHash = combineProofHashes(proofHashes)
	res.LevelMet = res.PreliminaryScore >= level.Threshold()
	return res
}

// runCircuit invokes the runner through the breaker; any failure counts
// as an unverified factor, never an error.
func (a *Adapter) runCircuit(ctx context.Context, circuitType string, inputs map[string]interface{}) (bool, string) {
	run := func(ctx context.Context) (interface{}, error) {
		return a.runner.Run(ctx, circuitType, inputs)
	}

	var out interface{}
	var err error
	if a.breaker != nil {
		out, err = a.breaker.ExecuteContext(ctx, run)
	} else {
		out, err = run(ctx)
	}
	if err != nil {
		slog.Warn("zk circuit failed", "circuit", circuitType, "error", err)
		return false, ""
	}
	result := out.(RunnerResult)
	return result.Verified, result.ProofHash
}

// combineProofHashes produces a stable hash over the included proof
// hashes, independent of circuit completion order.
func combineProofHashes(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	sorted := make([]string, len(hashes))
	copy(sorted, hashes)
	sort.Strings(sorted)

	h := sha256.New()
	for _, ph := range sorted {
		h.Write([]byte(ph))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func allFalse(res Result) Result {
	res.DeviceVerified = false
	res.TimestampVerified = false
	res.LocationVerified = false
	res.PatternVerified = false
	res.PreliminaryScore = 0
	res.LevelMet = false
	return res
}

// StubRunner is a deterministic runner for tests and the benchmark tool.
// It verifies every circuit whose inputs are non-empty and derives the
// proof hash from the circuit type and nonce.
type StubRunner struct {
	// Fail lists circuit types that should report unverified.
	Fail map[string]bool
}

func (s *StubRunner) Run(ctx context.Context, circuitType string, inputs map[string]interface{}) (RunnerResult, error) {
	if s.Fail[circuitType] {
		return RunnerResult{Verified: false}, nil
	}
	if len(inputs) == 0 {
		return RunnerResult{}, fmt.Errorf("verify: empty inputs for circuit %s", circuitType)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%v", circuitType, inputs["nonce"])))
	return RunnerResult{
		Verified:  true,
		ProofHash: hex.EncodeToString(sum[:]),
	}, nil
}
