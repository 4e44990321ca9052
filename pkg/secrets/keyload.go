package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

const secretsKeyFileName = ".secrets_key"

// loadOrCreateKey implements C3's key-loading priority: environment
// variable override, then a persisted key file, then a freshly
// generated key written with 0600 permissions.
func loadOrCreateKey(rootDir, envOverride string) ([keySize]byte, error) {
	var key [keySize]byte

	if envOverride != "" {
		decoded, err := base64.StdEncoding.DecodeString(envOverride)
		if err != nil || len(decoded) != keySize {
			return key, fmt.Errorf("secrets: RUMI_SECRETS_KEY must be base64 of %d bytes", keySize)
		}
		copy(key[:], decoded)
		return key, nil
	}

	keyPath := filepath.Join(rootDir, secretsKeyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil || len(decoded) != keySize {
			return key, fmt.Errorf("secrets: corrupt key file %s", keyPath)
		}
		copy(key[:], decoded)
		return key, nil
	} else if !os.IsNotExist(err) {
		return key, fmt.Errorf("secrets: read key file: %w", err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("secrets: generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key[:])
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return key, fmt.Errorf("secrets: create root dir: %w", err)
	}
	if err := writeFileAtomic(keyPath, []byte(encoded), 0o600); err != nil {
		return key, fmt.Errorf("secrets: persist key: %w", err)
	}
	return key, nil
}
