// Package vault handles encryption of broker secrets at rest and the
// expiry arithmetic shared by the token lifecycle components.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidKeyLength  = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
)

// Vault encrypts and decrypts secret material with AES-256-GCM.
// Safe for concurrent use; the only mutable state is the injectable clock.
type Vault struct {
	key   []byte
	nowFn func() time.Time
}

// New constructs a Vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	k := make([]byte, 32)
	copy(k, key)
	return &Vault{key: k, nowFn: time.Now}, nil
}

// SetNowFunc overrides the clock for tests.
func (v *Vault) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		v.nowFn = fn
	}
}

// Encrypt seals plaintext with AES-256-GCM and returns base64 for storage.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 ciphertext produced by Encrypt. Tampered or
// truncated input fails with ErrDecryptionFailed / ErrInvalidCiphertext.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, data := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateID returns an opaque unique identifier.
func (v *Vault) GenerateID() string {
	return uuid.NewString()
}

// ExpiryFromNow converts a broker-relative lifetime into an absolute timestamp.
func (v *Vault) ExpiryFromNow(seconds int64) time.Time {
	return v.nowFn().Add(time.Duration(seconds) * time.Second)
}

// HasExpired reports whether t is in the past. The zero time counts as expired.
func (v *Vault) HasExpired(t time.Time) bool {
	return !t.After(v.nowFn())
}

// IsWithinBuffer reports whether t falls inside the given buffer from now.
// An already expired timestamp is within any buffer.
func (v *Vault) IsWithinBuffer(t time.Time, buffer time.Duration) bool {
	return !t.After(v.nowFn().Add(buffer))
}

// GenerateKey returns a fresh random 32-byte key, for bootstrap tooling.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
