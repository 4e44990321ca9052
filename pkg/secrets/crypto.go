package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// keySize is the secretbox key size — the Fernet-equivalent symmetric
// key used for all at-rest secret encryption.
const keySize = 32

// cipherPrefix marks a value produced by encrypt, so reads can tell a
// legacy plaintext value from one already migrated.
const cipherPrefix = "sb1:"

// encrypt seals plaintext under key with a fresh random nonce, returning
// a prefixed, base64-encoded ciphertext suitable for storage in a secret
// file's "value" field.
func encrypt(key [keySize]byte, plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt opens a value produced by encrypt. It returns isCiphertext=false
// if value does not carry the cipher prefix (a legacy plaintext value),
// in which case plaintext is returned unchanged.
func decrypt(key [keySize]byte, value string) (plaintext []byte, isCiphertext bool, err error) {
	if len(value) < len(cipherPrefix) || value[:len(cipherPrefix)] != cipherPrefix {
		return []byte(value), false, nil
	}

	raw, err := base64.StdEncoding.DecodeString(value[len(cipherPrefix):])
	if err != nil {
		return nil, true, fmt.Errorf("secrets: decode ciphertext: %w", err)
	}
	if len(raw) < 24 {
		return nil, true, fmt.Errorf("secrets: ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])

	out, ok := secretbox.Open(nil, raw[24:], &nonce, &key)
	if !ok {
		return nil, true, fmt.Errorf("secrets: decryption failed (wrong key or tampered value)")
	}
	return out, true, nil
}
