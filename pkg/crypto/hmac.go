package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
)

// hmacExcludedPrefix is the key prefix excluded from the signed payload:
// the signature field itself (and any sibling `_hmac*` bookkeeping key)
// must not be part of what it signs.
const hmacExcludedPrefix = "_hmac"

// ComputeDataHMAC serializes data (excluding any top-level key starting
// with "_hmac") in canonical form and returns the hex HMAC-SHA256 under
// key. Used for grant files (C6).
func ComputeDataHMAC(key []byte, data map[string]interface{}) (string, error) {
	filtered := make(map[string]interface{}, len(data))
	for k, v := range data {
		if hasHMACPrefix(k) {
			continue
		}
		filtered[k] = v
	}

	payload, err := CanonicalMarshal(filtered)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyDataHMAC recomputes the HMAC over data and compares it in
// constant time against expectedHex.
func VerifyDataHMAC(key []byte, data map[string]interface{}, expectedHex string) (bool, error) {
	computed, err := ComputeDataHMAC(key, data)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expectedHex)) == 1, nil
}

func hasHMACPrefix(k string) bool {
	if len(k) < len(hmacExcludedPrefix) {
		return false
	}
	return k[:len(hmacExcludedPrefix)] == hmacExcludedPrefix
}

// sortedKeys is a small helper retained for callers that want a
// deterministic key iteration order outside of CanonicalMarshal's own
// (already-sorted) map handling — e.g. building log fields.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
