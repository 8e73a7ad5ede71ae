package crypto

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultik/backend/internal/circuitbreaker"
)

// fakeShamirServer splits a secret into naive fragments and glues them
// back together. Enough to exercise the wire protocol.
func fakeShamirServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/split", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Secret    []byte `json:"secret"`
			Shares    int    `json:"shares"`
			Threshold int    `json:"threshold"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		shares := make([][]byte, req.Shares)
		for i := range shares {
			shares[i] = req.Secret
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"shares": shares})
	})
	mux.HandleFunc("/combine", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Shares [][]byte `json:"shares"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Shares)
		json.NewEncoder(w).Encode(map[string]interface{}{"secret": req.Shares[0]})
	})
	return httptest.NewServer(mux)
}

func TestShamirSplitCombine(t *testing.T) {
	srv := fakeShamirServer(t)
	defer srv.Close()

	c := NewShamirClient(srv.URL, time.Second, nil)
	ctx := context.Background()

	secret := []byte("vault master key")
	shares, err := c.Split(ctx, secret, 5, 3)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	got, err := c.Combine(ctx, shares[:3])
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestShamirEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewShamirClient(srv.URL, time.Second, nil)
	_, err := c.Split(context.Background(), []byte("s"), 3, 2)
	assert.ErrorContains(t, err, "500")
}

func TestShamirBreakerOpensOnFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := circuitbreaker.DefaultConfig("shamir-test")
	cfg.ReadyToTrip = func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 }
	c := NewShamirClient(srv.URL, time.Second, circuitbreaker.New(cfg))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Split(ctx, []byte("s"), 3, 2)
		require.Error(t, err)
	}

	// Circuit is open now; the endpoint is no longer reached.
	_, err := c.Combine(ctx, [][]byte{{1}})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}
