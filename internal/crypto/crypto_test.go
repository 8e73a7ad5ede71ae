package crypto

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DeriveKey([]byte("master secret"), []byte("salt"), "test")
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("vault payload")

	ciphertext, err := Encrypt(key, plaintext, []byte("aad"))
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.Greater(t, len(ciphertext), NonceSize)

	got, err := Decrypt(key, ciphertext, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptWrongAAD(t *testing.T) {
	key := testKey(t)
	ciphertext, err := Encrypt(key, []byte("data"), []byte("aad"))
	require.NoError(t, err)

	_, err = Decrypt(key, ciphertext, []byte("other"))
	assert.Error(t, err)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	key := testKey(t)
	ciphertext, err := Encrypt(key, []byte("data"), nil)
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = Decrypt(key, ciphertext, nil)
	assert.Error(t, err)
}

func TestBadKeySize(t *testing.T) {
	_, err := Encrypt([]byte("short"), []byte("data"), nil)
	assert.ErrorIs(t, err, ErrBadKeySize)

	_, err = Decrypt([]byte("short"), bytes.Repeat([]byte{0}, 32), nil)
	assert.ErrorIs(t, err, ErrBadKeySize)
}

func TestShortCiphertext(t *testing.T) {
	_, err := Decrypt(testKey(t), []byte("tiny"), nil)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey([]byte("master"), []byte("salt"), "info")
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("master"), []byte("salt"), "info")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, KeySize)

	k3, err := DeriveKey([]byte("master"), []byte("salt"), "other")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestTokenIssueValidate(t *testing.T) {
	issuer, err := NewHMACTokenIssuer([]byte("secret"), time.Minute)
	require.NoError(t, err)

	tok, err := issuer.Issue("user-1", "req-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	userID, requestID, err := issuer.Validate(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "req-1", requestID)
}

func TestTokenBadSignature(t *testing.T) {
	issuer, err := NewHMACTokenIssuer([]byte("secret"), time.Minute)
	require.NoError(t, err)
	other, err := NewHMACTokenIssuer([]byte("different"), time.Minute)
	require.NoError(t, err)

	tok, err := issuer.Issue("user-1", "req-1")
	require.NoError(t, err)

	_, _, err = other.Validate(tok.Value)
	assert.Error(t, err)
}

func TestTokenExpired(t *testing.T) {
	issuer, err := NewHMACTokenIssuer([]byte("secret"), time.Minute)
	require.NoError(t, err)
	issuer.ttl = -time.Minute

	tok, err := issuer.Issue("user-1", "req-1")
	require.NoError(t, err)

	_, _, err = issuer.Validate(tok.Value)
	assert.ErrorContains(t, err, "expired")
}

func TestTokenMalformed(t *testing.T) {
	issuer, err := NewHMACTokenIssuer([]byte("secret"), time.Minute)
	require.NoError(t, err)

	for _, v := range []string{"", "nodot", "bad base64.sig", "YQ.sig"} {
		_, _, err := issuer.Validate(v)
		assert.Error(t, err, "value %q", v)
	}
}
