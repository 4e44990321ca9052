// Package secrets implements the at-rest encrypted secret store (C3):
// one JSON file per key, list/set/delete-only from any external
// surface, and an internal-only read path reserved for the "secrets.get"
// capability handler.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rumi-ai/kernel/pkg/audit"
	"github.com/rumi-ai/kernel/pkg/kernelerr"
)

// PlaintextPolicy controls whether a legacy plaintext value is accepted
// as a fallback on read.
type PlaintextPolicy string

const (
	PolicyAuto  PlaintextPolicy = "auto"
	PolicyTrue  PlaintextPolicy = "true"
	PolicyFalse PlaintextPolicy = "false"
)

// SecurityMode mirrors RUMI_SECURITY_MODE.
type SecurityMode string

const (
	ModeStrict     SecurityMode = "strict"
	ModePermissive SecurityMode = "permissive"
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9_]{1,64}$`)

const migrationCompleteMarker = ".migration_complete"

// record is the on-disk shape of a single secret file.
type record struct {
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// KeyMetadata is what list_keys is allowed to reveal: never a value.
type KeyMetadata struct {
	Key       string     `json:"key"`
	Exists    bool       `json:"exists"`
	Deleted   bool       `json:"deleted"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Store is the secrets store. It is safe for concurrent use.
type Store struct {
	rootDir      string
	key          [keySize]byte
	policy       PlaintextPolicy
	securityMode SecurityMode
	journal      *journal
	auditLog     audit.Logger

	mu sync.Mutex
}

// Options configures a new Store.
type Options struct {
	RootDir         string // e.g. "user_data/secrets"
	EnvKeyOverride  string // RUMI_SECRETS_KEY
	PlaintextPolicy PlaintextPolicy
	SecurityMode    SecurityMode
	AuditLog        audit.Logger
}

// NewStore opens (or initializes) a secrets store rooted at opts.RootDir.
func NewStore(opts Options) (*Store, error) {
	if opts.RootDir == "" {
		return nil, fmt.Errorf("secrets: RootDir is required")
	}
	if opts.PlaintextPolicy == "" {
		opts.PlaintextPolicy = PolicyAuto
	}
	if opts.SecurityMode == "" {
		opts.SecurityMode = ModeStrict
	}
	if err := os.MkdirAll(opts.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("secrets: create root dir: %w", err)
	}

	key, err := loadOrCreateKey(opts.RootDir, opts.EnvKeyOverride)
	if err != nil {
		return nil, err
	}

	j, err := newJournal(filepath.Join(opts.RootDir, "journal.jsonl"))
	if err != nil {
		return nil, err
	}

	return &Store{
		rootDir:      opts.RootDir,
		key:          key,
		policy:       opts.PlaintextPolicy,
		securityMode: opts.SecurityMode,
		journal:      j,
		auditLog:     opts.AuditLog,
	}, nil
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.rootDir, key+".json")
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return kernelerr.New(kernelerr.InvalidRequest, "secret key must match ^[A-Z0-9_]{1,64}$")
	}
	return nil
}

// allowPlaintextFallback resolves the effective plaintext-fallback
// policy, folding in RUMI_SECURITY_MODE=strict which always disables
// fallback regardless of the auto policy (spec §4.3).
func (s *Store) allowPlaintextFallback() bool {
	if s.securityMode == ModeStrict && s.policy == PolicyAuto {
		return false
	}
	switch s.policy {
	case PolicyTrue:
		return true
	case PolicyFalse:
		return false
	default: // auto, non-strict mode
		return true
	}
}

func (s *Store) migrationComplete() bool {
	_, err := os.Stat(filepath.Join(s.rootDir, migrationCompleteMarker))
	return err == nil
}

// ListKeys returns metadata for every secret — never a value (I4).
func (s *Store) ListKeys() ([]KeyMetadata, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []KeyMetadata
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		key := e.Name()[:len(e.Name())-len(".json")]
		r, err := s.readRecord(key)
		if err != nil {
			continue
		}
		out = append(out, KeyMetadata{
			Key:       r.Key,
			Exists:    r.DeletedAt == nil,
			Deleted:   r.DeletedAt != nil,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		})
	}
	return out, nil
}

// HasSecret reports whether key exists and is not tombstoned.
func (s *Store) HasSecret(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	r, err := s.readRecord(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return r.DeletedAt == nil, nil
}

// SetSecret creates or updates a secret, always storing the encrypted
// form going forward.
func (s *Store) SetSecret(key, value string) (created bool, err error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, err := s.readRecord(key)
	created = err != nil

	ciphertext, err := encrypt(s.key, []byte(value))
	if err != nil {
		return false, err
	}

	r := record{Key: key, Value: ciphertext, CreatedAt: now, UpdatedAt: now}
	if !created {
		r.CreatedAt = existing.CreatedAt
	}

	if err := s.writeRecord(r); err != nil {
		return false, err
	}
	s.journal.append(key, "set")
	return created, nil
}

// DeleteSecret tombstones a secret: value becomes empty, deleted_at is
// set. The file itself is retained (spec: "Deletion is a tombstone").
func (s *Store) DeleteSecret(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.readRecord(key)
	if err != nil {
		if os.IsNotExist(err) {
			return kernelerr.New(kernelerr.InvalidRequest, "secret not found")
		}
		return err
	}

	now := time.Now().UTC()
	r.Value = ""
	r.UpdatedAt = now
	r.DeletedAt = &now

	if err := s.writeRecord(r); err != nil {
		return err
	}
	s.journal.append(key, "delete")
	return nil
}

// readValue is the internal-only read path for the "secrets.get"
// capability handler. It is never reachable from the HTTP surface
// (pkg/api never imports this method's caller path directly — see
// pkg/capabilities' builtin secrets.get handler).
func (s *Store) readValue(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.readRecord(key)
	if err != nil {
		if os.IsNotExist(err) {
			return "", kernelerr.New(kernelerr.InvalidRequest, "secret not found")
		}
		return "", err
	}
	if r.DeletedAt != nil {
		return "", kernelerr.New(kernelerr.InvalidRequest, "secret has been deleted")
	}
	if r.Value == "" {
		return "", nil
	}

	plaintext, isCiphertext, err := decrypt(s.key, r.Value)
	if err != nil {
		return "", err
	}

	if isCiphertext {
		return string(plaintext), nil
	}

	// Legacy plaintext on disk.
	if s.migrationComplete() {
		s.recordCriticalAudit("secret_plaintext_after_migration_complete", key)
		return "", nil
	}
	if !s.allowPlaintextFallback() {
		s.recordCriticalAudit("secret_plaintext_fallback_disabled", key)
		return "", kernelerr.New(kernelerr.SecurityViolation, "plaintext secret fallback is disabled")
	}

	// Auto-migrate to encrypted form.
	if err := s.migrateOne(r, plaintext); err != nil {
		s.recordCriticalAudit("secret_migration_failed", key)
		return string(plaintext), nil
	}
	s.recordCriticalAudit("secret_migrated", key)
	s.maybeMarkMigrationComplete()
	return string(plaintext), nil
}

// ReadValueForCapability is the sole sanctioned external entrypoint into
// readValue, gated by the caller already having passed the capability
// grant check for "secrets.get" (C8 step 6 runs before this is called).
func (s *Store) ReadValueForCapability(key string) (string, error) {
	return s.readValue(key)
}

func (s *Store) migrateOne(r *record, plaintext []byte) error {
	ciphertext, err := encrypt(s.key, plaintext)
	if err != nil {
		return err
	}
	r.Value = ciphertext
	r.UpdatedAt = time.Now().UTC()
	return s.writeRecord(*r)
}

// maybeMarkMigrationComplete writes the sentinel once every secret on
// disk is Fernet/secretbox-encrypted (or tombstoned).
func (s *Store) maybeMarkMigrationComplete() {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		key := e.Name()[:len(e.Name())-len(".json")]
		r, err := s.readRecord(key)
		if err != nil || r.DeletedAt != nil || r.Value == "" {
			continue
		}
		if _, isCipher, _ := decrypt(s.key, r.Value); !isCipher {
			return // at least one plaintext value remains
		}
	}
	_ = writeFileAtomic(filepath.Join(s.rootDir, migrationCompleteMarker), []byte("{}"), 0o600)
}

func (s *Store) recordCriticalAudit(action, key string) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Record(audit.Entry{
		Category: audit.CategorySecurity,
		Severity: audit.SeverityCritical,
		Action:   action,
		Success:  true,
		Details:  map[string]interface{}{"key": key},
	})
}

func (s *Store) readRecord(key string) (*record, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		return nil, err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("secrets: corrupt record %s: %w", key, err)
	}
	return &r, nil
}

func (s *Store) writeRecord(r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.pathFor(r.Key), data, 0o600)
}
