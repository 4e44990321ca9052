// Package approval implements the per-pack approval state machine (C7):
// a JSON-backed status ledger plus content-hash binding, grounded on the
// teacher's pkg/pack.FSRegistry.computeContentHash directory-digest
// algorithm. The executors (C8/C9) treat this package as a black box
// behind IsPackApprovedAndVerified.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rumi-ai/kernel/pkg/audit"
)

// Status is a pack's position in the approval lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusModified Status = "modified"
	StatusBlocked  Status = "blocked"
	StatusRejected Status = "rejected"
)

// Record is one pack's persisted approval state.
type Record struct {
	PackID       string    `json:"pack_id"`
	Status       Status    `json:"status"`
	ApprovedHash string    `json:"approved_hash,omitempty"`
	ApprovedBy   string    `json:"approved_by,omitempty"`
	ApprovedAt   time.Time `json:"approved_at,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Manager owns the approval ledger at <rootDir>/approvals.json and the
// packs root it verifies content hashes against.
type Manager struct {
	ledgerPath string
	packsRoot  string
	auditLog   audit.Logger

	mu      sync.Mutex
	records map[string]Record
}

// NewManager loads (or initializes) the approval ledger.
func NewManager(rootDir, packsRoot string, auditLog audit.Logger) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("approval: create root dir: %w", err)
	}
	m := &Manager{
		ledgerPath: filepath.Join(rootDir, "approvals.json"),
		packsRoot:  packsRoot,
		auditLog:   auditLog,
		records:    map[string]Record{},
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.ledgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("approval: read ledger: %w", err)
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("approval: parse ledger: %w", err)
	}
	m.records = records
	return nil
}

func (m *Manager) persist() error {
	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return fmt.Errorf("approval: marshal ledger: %w", err)
	}
	tmp := m.ledgerPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("approval: write ledger: %w", err)
	}
	if err := os.Rename(tmp, m.ledgerPath); err != nil {
		return fmt.Errorf("approval: rename ledger: %w", err)
	}
	return nil
}

func (m *Manager) recordAudit(action, packID string, success bool, details map[string]interface{}) {
	if m.auditLog == nil {
		return
	}
	m.auditLog.Record(audit.Entry{
		Category: audit.CategoryApproval,
		Action:   action,
		Success:  success,
		Details:  mergeDetails(map[string]interface{}{"pack_id": packID}, details),
	})
}

func mergeDetails(base, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// GetStatus returns the current record for packID, defaulting to pending
// if the pack has never been scanned or approved.
func (m *Manager) GetStatus(packID string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[packID]; ok {
		return r
	}
	return Record{PackID: packID, Status: StatusPending}
}

// Approve marks packID approved, binding the hash recorded now as the
// content hash that verify_hash must continue to match.
func (m *Manager) Approve(packID, approvedBy string) error {
	hash, err := m.ComputeContentHash(packID)
	if err != nil {
		return fmt.Errorf("approval: compute content hash: %w", err)
	}

	m.mu.Lock()
	m.records[packID] = Record{
		PackID:       packID,
		Status:       StatusApproved,
		ApprovedHash: hash,
		ApprovedBy:   approvedBy,
		ApprovedAt:   time.Now().UTC(),
	}
	err = m.persist()
	m.mu.Unlock()

	m.recordAudit("pack_approved", packID, err == nil, nil)
	return err
}

// Reject marks packID rejected with a human-readable reason.
func (m *Manager) Reject(packID, reason string) error {
	m.mu.Lock()
	rec := m.records[packID]
	rec.PackID = packID
	rec.Status = StatusRejected
	rec.Reason = reason
	m.records[packID] = rec
	err := m.persist()
	m.mu.Unlock()

	m.recordAudit("pack_rejected", packID, err == nil, map[string]interface{}{"reason": reason})
	return err
}

// RemoveApproval deletes packID's ledger entry entirely, returning it to
// the implicit pending state.
func (m *Manager) RemoveApproval(packID string) error {
	m.mu.Lock()
	delete(m.records, packID)
	err := m.persist()
	m.mu.Unlock()

	m.recordAudit("pack_approval_removed", packID, err == nil, nil)
	return err
}

// VerifyHash recomputes packID's content hash and compares it against
// the hash recorded at approval time. A mismatch on a previously
// approved pack transitions it to "modified" and persists that
// transition before returning false.
func (m *Manager) VerifyHash(packID string) (bool, error) {
	m.mu.Lock()
	rec, known := m.records[packID]
	m.mu.Unlock()
	if !known || rec.Status != StatusApproved {
		return false, nil
	}

	current, err := m.ComputeContentHash(packID)
	if err != nil {
		return false, fmt.Errorf("approval: compute content hash: %w", err)
	}
	if current == rec.ApprovedHash {
		return true, nil
	}

	m.mu.Lock()
	rec.Status = StatusModified
	m.records[packID] = rec
	persistErr := m.persist()
	m.mu.Unlock()
	if persistErr != nil {
		return false, persistErr
	}

	m.recordAudit("pack_hash_mismatch", packID, false, map[string]interface{}{
		"approved_hash": rec.ApprovedHash,
		"current_hash":  current,
	})
	return false, nil
}

// IsPackApprovedAndVerified is the executors' single entry point: a pack
// may originate execution only when its status is approved AND its
// on-disk content hash still matches the hash recorded at approval.
func (m *Manager) IsPackApprovedAndVerified(packID string) (bool, string) {
	rec := m.GetStatus(packID)
	if rec.Status != StatusApproved {
		return false, fmt.Sprintf("pack status is %q, not approved", rec.Status)
	}
	ok, err := m.VerifyHash(packID)
	if err != nil {
		return false, fmt.Sprintf("hash verification error: %v", err)
	}
	if !ok {
		return false, "content hash no longer matches the hash recorded at approval"
	}
	return true, ""
}

// ScanPacks walks packsRoot and ensures every discovered pack directory
// has a ledger entry (creating an implicit "pending" one if absent). It
// does not change the status of packs already known.
func (m *Manager) ScanPacks(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.packsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("approval: scan packs: %w", err)
	}

	var discovered []string
	m.mu.Lock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		packID := e.Name()
		discovered = append(discovered, packID)
		if _, ok := m.records[packID]; !ok {
			m.records[packID] = Record{PackID: packID, Status: StatusPending}
		}
	}
	err = m.persist()
	m.mu.Unlock()

	return discovered, err
}

// ComputeContentHash recursively hashes packID's directory tree: each
// file's sha256, then a sha256 over the sorted "path:hash\n" lines —
// identical in shape to the teacher's FSRegistry.computeContentHash.
func (m *Manager) ComputeContentHash(packID string) (string, error) {
	root := filepath.Join(m.packsRoot, packID)

	var files []string
	hashes := make(map[string]string)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".DS_Store") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}

		files = append(files, rel)
		hashes[rel] = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s:%s\n", f, hashes[f])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
