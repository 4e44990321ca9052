package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher produces a deterministic content hash for a value.
type Hasher interface {
	Hash(v interface{}) (string, error)
}

// CanonicalHasher hashes the canonical-JSON encoding of a value with
// SHA-256, hex-encoded. Used for store value_hash (I5) and for any
// signed payload's content digest.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Hash(v interface{}) (string, error) {
	b, err := CanonicalMarshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
