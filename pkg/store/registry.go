// Package store implements the SQLite-backed key-value store registry
// with compare-and-swap semantics, batch-get, and keyset pagination
// (C4), grounded on the teacher's receipt_store_sqlite.go connection
// and migration patterns and on the original
// core_runtime/store_registry.py's exact constants and validation rules.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "modernc.org/sqlite"

	"github.com/rumi-ai/kernel/pkg/crypto"
)

const (
	// MaxStoresPerPack is the per-pack store limit carried over from the
	// original (original_source: MAX_STORES_PER_PACK). CreateStore does not
	// check it, so nothing in this package enforces the limit.
	MaxStoresPerPack = 10
	// MaxValueBytesCAS is the canonical-JSON size cap for a single CAS
	// value (original_source: MAX_VALUE_BYTES_CAS = 1 MiB).
	MaxValueBytesCAS = 1 * 1024 * 1024
	// MaxBatchGetKeys bounds how many keys a single batch_get call may request.
	MaxBatchGetKeys = 100
	// MaxBatchResponseBytes is the cumulative UTF-8 size cap for a
	// batch_get response before remaining entries are truncated (I6).
	MaxBatchResponseBytes = 900 * 1024
)

var (
	storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	keyPattern     = regexp.MustCompile(`^[A-Za-z0-9_/.:\-]{1,512}$`)
)

// ValidateStoreID checks store_id against ^[A-Za-z0-9_-]{1,128}$.
func ValidateStoreID(storeID string) bool {
	return storeIDPattern.MatchString(storeID)
}

// ValidateKey checks a store key against ^[A-Za-z0-9_/.:\-]{1,512}$.
func ValidateKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Registry owns the SQLite database backing every store in
// user_data/stores/stores.db (WAL, busy_timeout=5000, synchronous=NORMAL,
// foreign_keys=ON).
type Registry struct {
	db       *sql.DB
	basePath string // stores base dir, e.g. "user_data/stores" — root_path containment
}

// Open opens (creating if absent) the SQLite database at dbPath and
// applies the schema + pragmas.
func Open(dbPath, basePath string) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One logical connection per goroutine would be ideal; modernc.org's
	// driver is safe under sql.DB's pool, but CAS needs the immediate
	// transaction serialized, so we cap the pool at 1 writer connection
	// and let SQLite's own locking do the rest.
	db.SetMaxOpenConns(1)

	r := newRegistryWithDB(db, basePath)
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// newRegistryWithDB wires a Registry around an already-open *sql.DB,
// letting tests inject a sqlmock connection instead of a real file.
func newRegistryWithDB(db *sql.DB, basePath string) *Registry {
	return &Registry{db: db, basePath: basePath}
}

func (r *Registry) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stores (
			store_id TEXT PRIMARY KEY,
			root_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			created_by TEXT
		);
		CREATE TABLE IF NOT EXISTS store_data (
			store_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			value_hash TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (store_id, key),
			FOREIGN KEY (store_id) REFERENCES stores(store_id) ON DELETE CASCADE
		);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// normalizeValueHash computes sha256(canonical(value)) hex, matching the
// original's _normalize_value_hash exactly.
func normalizeValueHash(value interface{}) (string, error) {
	h := crypto.NewCanonicalHasher()
	return h.Hash(value)
}
