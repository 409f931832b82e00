// Package crypto seals checkpoint payloads at rest and handles the SSH
// keys used to reach remote deployment hosts. It performs no I/O.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyKey is returned when no sealing key is configured.
	ErrEmptyKey = errors.New("sealing key cannot be empty")

	// ErrUnsealFailed is returned for a token that fails verification.
	ErrUnsealFailed = errors.New("unseal failed: invalid token or wrong key")
)

// tokenTTL is effectively forever; sealed checkpoints are kept for audit.
const tokenTTL = 100 * 365 * 24 * time.Hour

// =============================================================================
// Key Handling
// =============================================================================

// GenerateKey returns a new random key in fernet's base64 encoding.
func GenerateKey() (string, error) {
	var k fernet.Key
	if _, err := rand.Read(k[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return k.Encode(), nil
}

// DeriveKey turns a passphrase into a fernet key. Same input, same key.
func DeriveKey(passphrase string) string {
	sum := sha256.Sum256([]byte(passphrase))
	return base64.URLEncoding.EncodeToString(sum[:])
}

// =============================================================================
// Sealer
// =============================================================================

// Sealer encrypts and authenticates payloads with fernet.
type Sealer struct {
	key *fernet.Key
}

// NewSealer accepts a fernet key, or any other string as a passphrase.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	k, err := fernet.DecodeKey(key)
	if err != nil {
		k, err = fernet.DecodeKey(DeriveKey(key))
		if err != nil {
			return nil, fmt.Errorf("invalid sealing key: %w", err)
		}
	}
	return &Sealer{key: k}, nil
}

// Seal returns a fernet token for plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plaintext, s.key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return tok, nil
}

// Open verifies and decrypts a token produced by Seal.
func (s *Sealer) Open(token []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(token, tokenTTL, []*fernet.Key{s.key})
	if msg == nil {
		return nil, ErrUnsealFailed
	}
	return msg, nil
}
