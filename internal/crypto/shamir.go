package crypto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vaultik/backend/internal/circuitbreaker"
)

// SecretSharer is the Shamir split/combine contract.
type SecretSharer interface {
	Split(ctx context.Context, secret []byte, shares, threshold int) ([][]byte, error)
	Combine(ctx context.Context, shares [][]byte) ([]byte, error)
}

// ShamirClient talks to a remote secret-sharing endpoint with JSON
// bodies.
type ShamirClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewShamirClient builds a client for the given endpoint base URL.
// breaker may be nil.
func NewShamirClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *ShamirClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ShamirClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type splitRequest struct {
	Secret    []byte `json:"secret"`
	Shares    int    `json:"shares"`
	Threshold int    `json:"threshold"`
}

type splitResponse struct {
	Shares [][]byte `json:"shares"`
}

type combineRequest struct {
	Shares [][]byte `json:"shares"`
}

type combineResponse struct {
	Secret []byte `json:"secret"`
}

// Split requests a split of the secret into shares with the given
// reconstruction threshold.
func (c *ShamirClient) Split(ctx context.Context, secret []byte, shares, threshold int) ([][]byte, error) {
	var resp splitResponse
	err := c.post(ctx, "/split", splitRequest{Secret: secret, Shares: shares, Threshold: threshold}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Shares, nil
}

// Combine reconstructs a secret from a threshold of shares.
func (c *ShamirClient) Combine(ctx context.Context, shares [][]byte) ([]byte, error) {
	var resp combineResponse
	if err := c.post(ctx, "/combine", combineRequest{Shares: shares}, &resp); err != nil {
		return nil, err
	}
	return resp.Secret, nil
}

func (c *ShamirClient) post(ctx context.Context, path string, body, out interface{}) error {
	if c.breaker != nil {
		_, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, c.doPost(ctx, path, body, out)
		})
		return err
	}
	return c.doPost(ctx, path, body, out)
}

func (c *ShamirClient) doPost(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("shamir: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("shamir: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shamir: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shamir: endpoint returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("shamir: decode: %w", err)
	}
	return nil
}
