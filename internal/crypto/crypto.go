package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// The vault ciphers are opaque byte-in/byte-out collaborators. The
// control plane never inspects cryptographic internals; it holds these
// contracts and the default implementations below.

// Sizes for the AES-GCM vault cipher.
const (
	KeySize   = 32
	NonceSize = 12
)

var (
	ErrBadKeySize    = errors.New("crypto: key must be 32 bytes")
	ErrBadCiphertext = errors.New("crypto: ciphertext too short")
)

// KEM is the post-quantum key encapsulation contract (Kyber-class).
// Implementations live outside this repository.
type KEM interface {
	GenerateKeyPair() (publicKey, privateKey []byte, err error)
	Encapsulate(publicKey []byte) (ciphertext, sharedSecret []byte, err error)
	Decapsulate(privateKey, ciphertext []byte) (sharedSecret []byte, err error)
}

// Signer is the post-quantum signature contract (Falcon-class).
type Signer interface {
	GenerateKeyPair() (publicKey, privateKey []byte, err error)
	Sign(privateKey, message []byte) (signature []byte, err error)
	Verify(publicKey, message, signature []byte) (bool, error)
}

// Encrypt seals plaintext with AES-256-GCM. The random nonce is
// prepended to the returned ciphertext.
func Encrypt(key, plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func Decrypt(key, ciphertext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize {
		return nil, ErrBadCiphertext
	}
	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}

// DeriveKey derives a 32-byte key from a master secret with
// HKDF-SHA256.
func DeriveKey(master, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return key, nil
}
