package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vaultik/backend/internal/agent"
	"github.com/vaultik/backend/internal/system"
	"github.com/vaultik/backend/internal/verify"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, system.ErrNotInitialized) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Initialize starts the control plane.
func Initialize(sys *system.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sys.Initialize(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sys.Status())
	}
}

// Status returns the control plane overview.
func Status(sys *system.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sys.Status())
	}
}

// Metrics returns the latest health snapshot plus ring histories.
func Metrics(sys *system.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"health":              sys.Health(),
			"scaling_history":     sys.ScalingHistory(),
			"pool_scaling_events": sys.PoolScalingEvents(),
			"partition_history":   sys.PartitionHistory(),
		})
	}
}

// PoolState returns every agent record and the clustering.
func PoolState(sys *system.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"agents":   sys.PoolState(),
			"clusters": sys.Clusters(),
		})
	}
}

// consensusRequest is the wire shape of a vault access attempt.
type consensusRequest struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	VaultID   string `json:"vault_id"`

	DeviceFingerprint string   `json:"device_fingerprint"`
	ChallengeNonce    string   `json:"challenge_nonce"`
	Timestamp         string   `json:"timestamp"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	SessionDuration   *float64 `json:"session_duration,omitempty"`
	KeystrokesPerMin  *float64 `json:"keystrokes_per_min,omitempty"`

	AccessFrequency float64 `json:"access_frequency"`
	AccessHour      int     `json:"access_hour"`
	BusinessHours   bool    `json:"business_hours"`
	IPConsistent    bool    `json:"ip_consistent"`

	Level            string  `json:"level"`
	Priority         int     `json:"priority"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
	MinimumConsensus float64 `json:"minimum_consensus"`
}

func parseLevel(s string) verify.Level {
	switch s {
	case "BASIC":
		return verify.LevelBasic
	case "HIGH":
		return verify.LevelHigh
	case "MAXIMUM":
		return verify.LevelMaximum
	default:
		return verify.LevelStandard
	}
}

// Consensus runs the full access decision pipeline.
func Consensus(sys *system.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req consensusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if req.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
			return
		}

		raw := verify.RawContext{
			DeviceFingerprint: req.DeviceFingerprint,
			ChallengeNonce:    req.ChallengeNonce,
			Latitude:          req.Latitude,
			Longitude:         req.Longitude,
			SessionDuration:   req.SessionDuration,
			KeystrokesPerMin:  req.KeystrokesPerMin,
		}
		if req.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
				raw.Timestamp = ts
			}
		}

		decision, err := sys.Decide(r.Context(), system.AccessRequest{
			RequestID:        req.RequestID,
			UserID:           req.UserID,
			VaultID:          req.VaultID,
			Raw:              raw,
			Level:            parseLevel(req.Level),
			Required:         verify.AllFactors,
			AccessFrequency:  req.AccessFrequency,
			AccessHour:       req.AccessHour,
			BusinessHours:    req.BusinessHours,
			IPConsistent:     req.IPConsistent,
			Priority:         req.Priority,
			Timeout:          time.Duration(req.TimeoutSeconds * float64(time.Second)),
			MinimumConsensus: req.MinimumConsensus,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

// ManualScale applies an operator scaling request.
func ManualScale(sys *system.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type      string `json:"type"`
			Direction string `json:"direction"` // scale_up or scale_down
			Amount    int    `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		t, err := agent.ParseType(req.Type)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if req.Amount <= 0 {
			req.Amount = 1
		}

		applied, err := sys.ManualScale(t, req.Direction, req.Amount)
		if errors.Is(err, system.ErrNotInitialized) {
			writeError(w, err)
			return
		}
		if err != nil && applied == 0 {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"applied": 0,
				"error":   err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"type":      t.String(),
			"direction": req.Direction,
			"applied":   applied,
		})
	}
}

// ScalingHistory returns the coordinator action ring.
func ScalingHistory(sys *system.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sys.ScalingHistory())
	}
}

// Shutdown drains and stops the control plane.
func Shutdown(sys *system.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sys.Shutdown(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "shutdown"})
	}
}
