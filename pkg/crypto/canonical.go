// Package crypto implements the path, hash, and HMAC utilities shared by
// every component that needs a stable on-disk or on-wire representation
// of a value (C1: Path & HMAC utilities).
package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalMarshal marshals v into canonical JSON (RFC 8785 flavor):
// sorted map keys (Go's default), no HTML escaping, compact separators,
// UTF-8, no trailing newline. Every value hashed or HMAC-signed in this
// kernel — store values and grant payloads — goes
// through this function first so the hash is stable across re-encoding.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "")

	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}

	ret := buf.Bytes()
	if len(ret) > 0 && ret[len(ret)-1] == '\n' {
		ret = ret[:len(ret)-1]
	}
	return ret, nil
}
