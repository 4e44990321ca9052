package grants

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rumi-ai/kernel/pkg/audit"
	kcrypto "github.com/rumi-ai/kernel/pkg/crypto"
)

const secretKeyFileName = ".secret_key"

// PermissionGrant is one permission's state inside a principal's grant
// file.
type PermissionGrant struct {
	Enabled bool                   `json:"enabled"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// grantFile is the on-disk shape of a per-principal grant.
type grantFile struct {
	Enabled       bool                       `json:"enabled"`
	Permissions   map[string]PermissionGrant `json:"permissions"`
	HMACSignature string                     `json:"_hmac_signature,omitempty"`
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	Allowed bool
	Config  map[string]interface{}
	Reason  string
}

// Manager is a hierarchical grant manager. Two instances exist in the
// kernel — one for capability grants, one for network grants — sharing
// this identical shape (spec C6: "Two variants... with identical shape").
type Manager struct {
	kind     string // e.g. "capability" | "network", used only for audit labeling
	rootDir  string // e.g. <data root>/grants/<kind>
	hmacKey  []byte
	auditLog audit.Logger

	mu       sync.Mutex
	tampered map[string]struct{} // both raw and sanitized principal forms
}

// NewManager opens a grant manager rooted at rootDir, loading (or
// generating) the shared HMAC key from keyDir/.secret_key.
func NewManager(kind, rootDir, keyDir string, envHMACSecret string, auditLog audit.Logger) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("grants: create root dir: %w", err)
	}

	key, err := loadOrCreateHMACKey(keyDir, envHMACSecret)
	if err != nil {
		return nil, err
	}

	return &Manager{
		kind:     kind,
		rootDir:  rootDir,
		hmacKey:  key,
		auditLog: auditLog,
		tampered: make(map[string]struct{}),
	}, nil
}

func loadOrCreateHMACKey(dir, envOverride string) ([]byte, error) {
	if envOverride != "" {
		return []byte(envOverride), nil
	}

	path := filepath.Join(dir, secretKeyFileName)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("grants: read HMAC key: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("grants: generate HMAC key: %w", err)
	}
	key := []byte(base64.StdEncoding.EncodeToString(raw))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("grants: create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("grants: persist HMAC key: %w", err)
	}
	return key, nil
}

func (m *Manager) pathFor(sanitizedPrincipal string) string {
	return filepath.Join(m.rootDir, sanitizedPrincipal+".json")
}

func (m *Manager) markTampered(raw, sanitized, reason string) {
	m.mu.Lock()
	_, already := m.tampered[raw]
	m.tampered[raw] = struct{}{}
	m.tampered[sanitized] = struct{}{}
	m.mu.Unlock()

	if !already && m.auditLog != nil {
		m.auditLog.Record(audit.Entry{
			Category:  audit.CategorySecurity,
			Severity:  audit.SeverityCritical,
			Action:    m.kind + "_grant_tampered",
			Success:   false,
			Principal: raw,
			Details:   map[string]interface{}{"reason": reason},
		})
	}
}

func (m *Manager) isTampered(principal string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tampered[principal]
	return ok
}

// loadVerified loads and HMAC-verifies the grant file for one ancestor.
// A missing file is treated as "no grant" (not tampered); a present file
// whose signature fails verification marks the principal tampered.
func (m *Manager) loadVerified(ancestor string) (*grantFile, bool, error) {
	sanitized := kcrypto.SanitizePrincipalID(ancestor)
	if m.isTampered(ancestor) || m.isTampered(sanitized) {
		return nil, true, nil
	}

	data, err := os.ReadFile(m.pathFor(sanitized))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var gf grantFile
	if err := json.Unmarshal(data, &gf); err != nil {
		m.markTampered(ancestor, sanitized, "unparseable grant file")
		return nil, true, nil
	}

	payload := map[string]interface{}{
		"enabled":     gf.Enabled,
		"permissions": gf.Permissions,
	}
	ok, err := kcrypto.VerifyDataHMAC(m.hmacKey, payload, gf.HMACSignature)
	if err != nil || !ok {
		m.markTampered(ancestor, sanitized, "hmac verification failed")
		return nil, true, nil
	}

	return &gf, false, nil
}

// Check implements C6's check(principal, permission): every ancestor in
// the chain must independently hold the permission enabled; the
// effective config is the intersection of every ancestor's config (I7).
func (m *Manager) Check(principal, permission string) CheckResult {
	chain := ParsePrincipalChain(principal)

	var configs []map[string]interface{}
	for _, ancestor := range chain {
		gf, tampered, err := m.loadVerified(ancestor)
		if tampered {
			return CheckResult{Allowed: false, Reason: "principal is tampered"}
		}
		if err != nil {
			return CheckResult{Allowed: false, Reason: "grant load error: " + err.Error()}
		}
		if gf == nil || !gf.Enabled {
			return CheckResult{Allowed: false, Reason: fmt.Sprintf("ancestor %q has no enabled grant", ancestor)}
		}
		pg, ok := gf.Permissions[permission]
		if !ok || !pg.Enabled {
			return CheckResult{Allowed: false, Reason: fmt.Sprintf("ancestor %q lacks permission %q", ancestor, permission)}
		}
		configs = append(configs, pg.Config)
	}

	return CheckResult{Allowed: true, Config: IntersectConfig(configs)}
}

// GrantPermission enables permission for principal with the given
// config, creating the grant file if absent, and rewrites it atomically
// with a fresh HMAC signature.
func (m *Manager) GrantPermission(principal, permission string, config map[string]interface{}) error {
	return m.mutate(principal, func(gf *grantFile) {
		gf.Enabled = true
		if gf.Permissions == nil {
			gf.Permissions = map[string]PermissionGrant{}
		}
		gf.Permissions[permission] = PermissionGrant{Enabled: true, Config: config}
	})
}

// RevokePermission disables (but does not remove) a permission entry.
func (m *Manager) RevokePermission(principal, permission string) error {
	return m.mutate(principal, func(gf *grantFile) {
		if gf.Permissions == nil {
			return
		}
		if pg, ok := gf.Permissions[permission]; ok {
			pg.Enabled = false
			gf.Permissions[permission] = pg
		}
	})
}

// RevokeAll disables every permission for principal.
func (m *Manager) RevokeAll(principal string) error {
	return m.mutate(principal, func(gf *grantFile) {
		for k, pg := range gf.Permissions {
			pg.Enabled = false
			gf.Permissions[k] = pg
		}
	})
}

// DeleteGrant removes the principal's grant file entirely.
func (m *Manager) DeleteGrant(principal string) error {
	sanitized := kcrypto.SanitizePrincipalID(principal)
	path := m.pathFor(sanitized)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	m.recordAudit(principal, "delete_grant", true, nil)
	return nil
}

func (m *Manager) mutate(principal string, fn func(gf *grantFile)) error {
	sanitized := kcrypto.SanitizePrincipalID(principal)
	path := m.pathFor(sanitized)

	gf := &grantFile{Permissions: map[string]PermissionGrant{}}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, gf)
	}

	fn(gf)

	payload := map[string]interface{}{
		"enabled":     gf.Enabled,
		"permissions": gf.Permissions,
	}
	sig, err := kcrypto.ComputeDataHMAC(m.hmacKey, payload)
	if err != nil {
		return err
	}
	gf.HMACSignature = sig

	data, err := json.Marshal(gf)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return err
	}

	m.recordAudit(principal, "grant_mutated", true, nil)
	return nil
}

func (m *Manager) recordAudit(principal, action string, success bool, details map[string]interface{}) {
	if m.auditLog == nil {
		return
	}
	m.auditLog.Record(audit.Entry{
		Category:  audit.CategoryPermission,
		Action:    action,
		Success:   success,
		Principal: principal,
		Details:   details,
	})
}
