package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rumi-ai/kernel/pkg/crypto"
	"github.com/rumi-ai/kernel/pkg/kernelerr"
)

// missingSentinel is a distinct, unexported type so ExpectMissing can
// never be confused with a caller-supplied JSON null (I5's deliberate
// breaking-change semantic: expected=nil means "expect stored JSON
// null", not "expect missing").
type missingSentinel struct{}

// ExpectMissing is the sentinel value for the "expected" argument of Cas,
// meaning "this key must not exist yet." It is a singleton of an
// unexported type, so it is never representable by a JSON-decoded value
// — nothing a caller deserializes from a request body can ever equal it
// by accident.
var ExpectMissing = &missingSentinel{}

// CASResult is the outcome of a Cas call.
type CASResult struct {
	Success      bool           `json:"success"`
	CurrentValue interface{}    `json:"current_value,omitempty"` // populated on conflict
	ErrorType    kernelerr.Kind `json:"error_type,omitempty"`
}

// Cas implements cas(store_id, key, expected, new): validates key and
// size, opens BEGIN IMMEDIATE, and resolves one of four cases per
// spec §4.4. A lock-acquisition timeout on BEGIN IMMEDIATE returns
// ErrorType=Timeout.
func (r *Registry) Cas(ctx context.Context, storeID, key string, expected interface{}, newValue interface{}) (CASResult, error) {
	if !ValidateKey(key) {
		return CASResult{}, kernelerr.New(kernelerr.InvalidRequest, "invalid key")
	}

	newCanonical, err := crypto.CanonicalMarshal(newValue)
	if err != nil {
		return CASResult{}, fmt.Errorf("store: marshal new value: %w", err)
	}
	if len(newCanonical) > MaxValueBytesCAS {
		return CASResult{}, kernelerr.New(kernelerr.PayloadTooLarge, "value exceeds 1 MiB canonical")
	}
	newHash, err := normalizeValueHash(newValue)
	if err != nil {
		return CASResult{}, err
	}

	// The DSN carries _txlock=immediate (registry.go), so BeginTx itself
	// issues BEGIN IMMEDIATE and acquires the write lock up front,
	// matching the original's locking discipline. Do not also issue a
	// manual "BEGIN IMMEDIATE" here: tx is already an open transaction,
	// and SQLite rejects a nested BEGIN unconditionally.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		if isLockTimeout(err) {
			return CASResult{ErrorType: kernelerr.Timeout}, nil
		}
		return CASResult{}, fmt.Errorf("store: begin immediate: %w", err)
	}

	var currentValueJSON sql.NullString
	var currentHash sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT value, value_hash FROM store_data WHERE store_id = ? AND key = ?`, storeID, key).
		Scan(&currentValueJSON, &currentHash)

	rowPresent := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return CASResult{}, fmt.Errorf("store: read current row: %w", err)
	}

	_, expectMissing := expected.(*missingSentinel)

	switch {
	case !rowPresent && expectMissing:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_data (store_id, key, value, value_hash, updated_at) VALUES (?, ?, ?, ?, datetime('now'))`,
			storeID, key, string(newCanonical), newHash,
		); err != nil {
			_ = tx.Rollback()
			return CASResult{}, fmt.Errorf("store: insert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return CASResult{}, fmt.Errorf("store: commit: %w", err)
		}
		return CASResult{Success: true}, nil

	case !rowPresent && !expectMissing:
		_ = tx.Rollback()
		return CASResult{Success: false, CurrentValue: nil, ErrorType: kernelerr.Conflict}, nil

	case rowPresent && expectMissing:
		_ = tx.Rollback()
		var current interface{}
		_ = json.Unmarshal([]byte(currentValueJSON.String), &current)
		return CASResult{Success: false, CurrentValue: current, ErrorType: kernelerr.Conflict}, nil

	default: // rowPresent && !expectMissing
		expectedCanonical, err := crypto.CanonicalMarshal(expected)
		if err != nil {
			_ = tx.Rollback()
			return CASResult{}, fmt.Errorf("store: marshal expected value: %w", err)
		}
		expectedHash := crypto.HashBytes(expectedCanonical)

		if expectedHash != currentHash.String {
			_ = tx.Rollback()
			var current interface{}
			_ = json.Unmarshal([]byte(currentValueJSON.String), &current)
			return CASResult{Success: false, CurrentValue: current, ErrorType: kernelerr.Conflict}, nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE store_data SET value = ?, value_hash = ?, updated_at = datetime('now') WHERE store_id = ? AND key = ?`,
			string(newCanonical), newHash, storeID, key,
		); err != nil {
			_ = tx.Rollback()
			return CASResult{}, fmt.Errorf("store: update: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return CASResult{}, fmt.Errorf("store: commit: %w", err)
		}
		return CASResult{Success: true}, nil
	}
}

// InsertIfAbsent is the dedicated, unambiguous alternative to
// Cas(..., expected=ExpectMissing, ...) recommended by spec §9's Open
// Question: making "expect missing" its own explicit method rather than
// a sentinel argument, so a caller can never accidentally pass a real
// JSON null and get the wrong semantics. It has identical behavior to
// the first Cas branch above.
func (r *Registry) InsertIfAbsent(ctx context.Context, storeID, key string, newValue interface{}) (CASResult, error) {
	return r.Cas(ctx, storeID, key, ExpectMissing, newValue)
}

func isLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "database is locked", "SQLITE_BUSY", "busy")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
