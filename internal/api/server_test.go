package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultik/backend/internal/config"
	"github.com/vaultik/backend/internal/system"
)

func newTestServer(t *testing.T) (*httptest.Server, *system.System) {
	t.Helper()
	cfg := config.Default()
	cfg.Trust.ProfileDir = t.TempDir()
	cfg.Monitor.EnablePromSink = false

	sys, err := system.New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(NewAPIServer(sys).Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sys.Shutdown(ctx)
	})
	return srv, sys
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func consensusPayload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":            "user-1",
		"vault_id":           "vault-1",
		"device_fingerprint": "device-1",
		"challenge_nonce":    "nonce-1",
		"timestamp":          time.Now().Format(time.RFC3339),
		"latitude":           40.71,
		"longitude":          -74.0,
		"session_duration":   1800.0,
		"keystrokes_per_min": 62.0,
		"access_frequency":   4,
		"access_hour":        14,
		"business_hours":     true,
		"ip_consistent":      true,
		"level":              "STANDARD",
	}
}

func TestConsensusRequiresInitialize(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/scalability/consensus", consensusPayload())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestInitializeThenConsensus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/scalability/initialize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody(t, resp)
	assert.Equal(t, true, status["initialized"])

	resp = postJSON(t, srv.URL+"/scalability/consensus", consensusPayload())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decision := decodeBody(t, resp)
	assert.Equal(t, true, decision["granted"])
	assert.NotEmpty(t, decision["request_id"])
}

func TestConsensusRejectsMissingUser(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := consensusPayload()
	delete(payload, "user_id")
	resp := postJSON(t, srv.URL+"/scalability/consensus", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusAndPoolEndpoints(t *testing.T) {
	srv, sys := newTestServer(t)
	require.NoError(t, sys.Initialize(context.Background()))

	resp, err := http.Get(srv.URL + "/scalability/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody(t, resp)
	assert.Equal(t, true, status["initialized"])
	assert.NotEmpty(t, status["coordinators"])

	resp, err = http.Get(srv.URL + "/scalability/agents/pool")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pool := decodeBody(t, resp)
	agents, ok := pool["agents"].([]interface{})
	require.True(t, ok)
	assert.Len(t, agents, 10)
	assert.NotEmpty(t, pool["clusters"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, sys := newTestServer(t)
	require.NoError(t, sys.Initialize(context.Background()))

	resp, err := http.Get(srv.URL + "/scalability/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body, "health")
	assert.Contains(t, body, "scaling_history")
	assert.Contains(t, body, "partition_history")
}

func TestManualScaleEndpoint(t *testing.T) {
	srv, sys := newTestServer(t)
	require.NoError(t, sys.Initialize(context.Background()))

	resp := postJSON(t, srv.URL+"/scalability/scaling/manual", map[string]interface{}{
		"type":      "neutral",
		"direction": "scale_up",
		"amount":    2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["applied"])
	assert.Equal(t, "neutral", body["type"])

	resp = postJSON(t, srv.URL+"/scalability/scaling/manual", map[string]interface{}{
		"type":      "bogus",
		"direction": "scale_up",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestManualScaleCooldownConflict(t *testing.T) {
	srv, sys := newTestServer(t)
	require.NoError(t, sys.Initialize(context.Background()))

	resp := postJSON(t, srv.URL+"/scalability/scaling/manual", map[string]interface{}{
		"type": "strict", "direction": "scale_up", "amount": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Second attempt inside the cooldown window applies nothing.
	resp = postJSON(t, srv.URL+"/scalability/scaling/manual", map[string]interface{}{
		"type": "strict", "direction": "scale_up", "amount": 1,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["applied"])
}

func TestShutdownEndpoint(t *testing.T) {
	srv, sys := newTestServer(t)
	require.NoError(t, sys.Initialize(context.Background()))

	resp := postJSON(t, srv.URL+"/scalability/shutdown", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/scalability/consensus", consensusPayload())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthzAndCORS(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	resp.Body.Close()
}
