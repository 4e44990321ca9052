package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rumi-ai/kernel/pkg/crypto"
	"github.com/rumi-ai/kernel/pkg/kernelerr"
)

// CreateStore registers a new store. root_path must resolve beneath the
// registry's fixed base directory ("..") is rejected. Idempotent on an
// existing row (INSERT OR IGNORE).
func (r *Registry) CreateStore(ctx context.Context, storeID, rootPath, createdBy string) error {
	if !ValidateStoreID(storeID) {
		return kernelerr.New(kernelerr.InvalidRequest, "invalid store_id")
	}

	full := filepath.Join(r.basePath, rootPath)
	within, err := crypto.IsPathWithin(full, r.basePath)
	if err != nil {
		return fmt.Errorf("store: validate root_path: %w", err)
	}
	if !within {
		return kernelerr.New(kernelerr.PathTraversal, "root_path escapes stores base directory")
	}

	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("store: create root_path: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stores (store_id, root_path, created_at, created_by) VALUES (?, ?, ?, ?)`,
		storeID, rootPath, time.Now().UTC().Format(time.RFC3339Nano), createdBy,
	)
	if err != nil {
		return fmt.Errorf("store: insert store row: %w", err)
	}
	return nil
}

// GetStoreRootPath returns the root_path recorded for storeID, resolved
// beneath the registry's base directory. Callers outside this package
// (e.g. the unit executor resolving a unit_ref's store) use this to
// locate the store's on-disk tree without reaching into the DB directly.
func (r *Registry) GetStoreRootPath(ctx context.Context, storeID string) (string, error) {
	var rootPath string
	err := r.db.QueryRowContext(ctx, `SELECT root_path FROM stores WHERE store_id = ?`, storeID).Scan(&rootPath)
	if err != nil {
		return "", kernelerr.New(kernelerr.StoreNotFound, storeID)
	}
	return filepath.Join(r.basePath, rootPath), nil
}

// DeleteStore removes the store's DB rows and, if deleteFiles is true,
// its on-disk root_path. The DB delete happens first so a failure
// mid-delete can never leave the DB referencing a removed directory.
func (r *Registry) DeleteStore(ctx context.Context, storeID string, deleteFiles bool) error {
	var rootPath string
	err := r.db.QueryRowContext(ctx, `SELECT root_path FROM stores WHERE store_id = ?`, storeID).Scan(&rootPath)
	if err != nil {
		return kernelerr.New(kernelerr.StoreNotFound, storeID)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM stores WHERE store_id = ?`, storeID); err != nil {
		return fmt.Errorf("store: delete store row: %w", err)
	}

	if deleteFiles {
		full := filepath.Join(r.basePath, rootPath)
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("store: delete root_path: %w", err)
		}
	}
	return nil
}
