package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"

	"github.com/zalando/go-keyring"

	"taqeem-console/internal/logger"
)

const (
	keystoreService = "taqeem-console"
	keystoreUser    = "profile-encryption-key"
)

// LoadOrCreateKey returns the key stored in the system keychain, creating
// and storing a new one on first use.
func LoadOrCreateKey(log *logger.Logger) ([]byte, error) {
	log = logger.OrDefault(log).Component("crypto")

	stored, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && stored != "" {
		key, decErr := base64.StdEncoding.DecodeString(stored)
		if decErr == nil && len(key) == 32 {
			return key, nil
		}
		log.Warn("Stored key is malformed, generating a new one")
	} else if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		log.WithError(err).Warn("Keystore unavailable")
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		// Linux without a secret service still works, but saved profiles will
		// not decrypt after a restart.
		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
		log.WithError(err).Warn("Failed to store key in keychain, key is valid for this run only")
	}
	return key, nil
}

// DeleteKey removes the stored key.
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreUser)
}

// IsKeyStored reports whether a key is in the keychain.
func IsKeyStored() bool {
	_, err := keyring.Get(keystoreService, keystoreUser)
	return err == nil
}
