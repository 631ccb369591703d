// Package crypto seals saved operator passwords with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"taqeem-console/internal/logger"
)

// EnvKey names the environment variable that overrides the keychain key.
const EnvKey = "TAQEEM_ENCRYPTION_KEY"

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// Vault encrypts and decrypts short secrets with a fixed key.
type Vault struct {
	aead cipher.AEAD
}

// KeyFromString turns a configured key into 32 bytes. A base64 value of 32
// bytes is used directly; anything else is hashed with SHA-256.
func KeyFromString(s string) []byte {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		if len(b) == 32 {
			return b
		}
		sum := sha256.Sum256(b)
		return sum[:]
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// NewVault returns a vault for a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// OpenVault uses envKey when set and the system keychain otherwise.
func OpenVault(envKey string, log *logger.Logger) (*Vault, error) {
	if envKey != "" {
		return NewVault(KeyFromString(envKey))
	}
	key, err := LoadOrCreateKey(log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	return NewVault(key)
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (v *Vault) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	n := v.aead.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextTooShort
	}
	plain, err := v.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}
