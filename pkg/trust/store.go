// Package trust implements the SHA-256 allowlists that gate which
// on-disk handler and unit bytes may execute (C5). Each store is a JSON
// list persisted to a single file, optionally hot-reloaded when its
// mtime changes.
package trust

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/rumi-ai/kernel/pkg/audit"
)

// Kind is the trusted entrypoint's executable kind.
type Kind string

const (
	KindPython Kind = "python"
	KindBinary Kind = "binary"
)

var sha256Pattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Entry is one trusted (id[, version]) -> sha256 binding.
type Entry struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
	SHA256  string `json:"sha256"`
	Kind    Kind   `json:"kind"`
	Note    string `json:"note,omitempty"`
}

func (e Entry) valid() bool {
	if e.ID == "" {
		return false
	}
	if !sha256Pattern.MatchString(e.SHA256) {
		return false
	}
	return e.Kind == KindPython || e.Kind == KindBinary
}

// Result is the outcome of an is_trusted lookup.
type Result struct {
	Trusted bool
	Reason  string
}

// Store is a hot-reloadable SHA-256 allowlist.
type Store struct {
	path       string
	autoReload bool
	auditLog   audit.Logger

	mu          sync.RWMutex
	entries     map[string]Entry // key: ID + "@" + Version
	cacheVer    int
	lastModTime time.Time
}

// NewStore loads path (if present) into a new Store. autoReload, when
// true, makes IsTrusted check the file's mtime before each lookup and
// reload when it has changed.
func NewStore(path string, autoReload bool, auditLog audit.Logger) (*Store, error) {
	s := &Store{path: path, autoReload: autoReload, auditLog: auditLog, entries: map[string]Entry{}}
	_ = s.reload() // a missing/invalid file starts empty, not fatal
	return s, nil
}

func entryKey(id, version string) string {
	return id + "@" + version
}

// reload re-reads the backing file. A parse failure or missing file
// leaves the current entries untouched and does NOT bump cacheVer, so
// stale callers keep the previous (last-good) decision.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var raw []Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("trust: parse %s: %w", s.path, err)
	}

	valid := make(map[string]Entry, len(raw))
	for _, e := range raw {
		if !e.valid() {
			slog.Warn("trust: skipping invalid entry", "id", e.ID, "version", e.Version)
			continue
		}
		valid[entryKey(e.ID, e.Version)] = e
	}

	info, statErr := os.Stat(s.path)

	s.mu.Lock()
	s.entries = valid
	s.cacheVer++
	if statErr == nil {
		s.lastModTime = info.ModTime()
	}
	s.mu.Unlock()

	if s.auditLog != nil {
		s.auditLog.Record(audit.Entry{
			Category: audit.CategorySystem,
			Action:   "trust_store_reloaded",
			Success:  true,
			Details:  map[string]interface{}{"path": s.path, "cache_version": s.cacheVer},
		})
	}
	return nil
}

// reloadIfModified re-reads the file only if its mtime advanced since
// the last successful load.
func (s *Store) reloadIfModified() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	stale := info.ModTime().After(s.lastModTime)
	s.mu.RUnlock()
	if stale {
		_ = s.reload()
	}
}

// IsTrusted checks id[@version] against the allowlist. If kind is
// non-empty it must match the stored entry's kind.
func (s *Store) IsTrusted(id, version, actualSHA256 string, kind Kind) Result {
	if s.autoReload {
		s.reloadIfModified()
	}

	s.mu.RLock()
	e, ok := s.entries[entryKey(id, version)]
	s.mu.RUnlock()

	if !ok {
		return Result{Trusted: false, Reason: "no trust entry for id/version"}
	}
	if e.SHA256 != actualSHA256 {
		return Result{Trusted: false, Reason: "sha256 mismatch"}
	}
	if kind != "" && e.Kind != kind {
		return Result{Trusted: false, Reason: "kind mismatch"}
	}
	return Result{Trusted: true}
}

// CacheVersion exposes the current reload generation, primarily for tests.
func (s *Store) CacheVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheVer
}
