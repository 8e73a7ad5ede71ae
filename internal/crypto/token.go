package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Token is a short-lived access grant attached to ALLOW decisions.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenIssuer mints access tokens for granted requests. Optional; when
// absent, grants carry no token.
type TokenIssuer interface {
	Issue(userID, requestID string) (Token, error)
}

// HMACTokenIssuer signs `userID|requestID|expiry` with an HKDF-derived
// key. Stateless; verification only needs the same master secret.
type HMACTokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewHMACTokenIssuer derives the signing key from the master secret.
func NewHMACTokenIssuer(master []byte, ttl time.Duration) (*HMACTokenIssuer, error) {
	key, err := DeriveKey(master, nil, "vaultik-access-token")
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &HMACTokenIssuer{key: key, ttl: ttl}, nil
}

// Issue mints a token for one granted request.
func (i *HMACTokenIssuer) Issue(userID, requestID string) (Token, error) {
	expires := time.Now().Add(i.ttl)
	payload := fmt.Sprintf("%s|%s|%d", userID, requestID, expires.Unix())
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	value := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig
	return Token{Value: value, ExpiresAt: expires}, nil
}

// Validate checks a token's signature and expiry and returns the user
// and request it was minted for.
func (i *HMACTokenIssuer) Validate(value string) (userID, requestID string, err error) {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("token: malformed")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("token: payload: %w", err)
	}
	mac := hmac.New(sha256.New, i.key)
	mac.Write(payload)
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(parts[1])) {
		return "", "", fmt.Errorf("token: bad signature")
	}

	fields := strings.Split(string(payload), "|")
	if len(fields) != 3 {
		return "", "", fmt.Errorf("token: malformed payload")
	}
	var expiry int64
	if _, err := fmt.Sscanf(fields[2], "%d", &expiry); err != nil {
		return "", "", fmt.Errorf("token: expiry: %w", err)
	}
	if time.Now().Unix() > expiry {
		return "", "", fmt.Errorf("token: expired")
	}
	return fields[0], fields[1], nil
}
