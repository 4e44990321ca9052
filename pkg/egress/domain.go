package egress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ecosystemFile is the on-disk shape of ecosystem.json: a per-pack
// allow/block domain list, keyed by pack_id.
type ecosystemFile struct {
	Packs map[string]packDomainPolicy `json:"packs"`
}

type packDomainPolicy struct {
	AllowDomains []string `json:"allow_domains,omitempty"`
	BlockDomains []string `json:"block_domains,omitempty"`
}

// DomainController enforces a per-pack domain allow/blocklist loaded
// from <ecosystemDir>/ecosystem.json. A pack with no allowlist entry is
// unrestricted except for its blocklist; an explicit allowlist makes the
// policy default-deny for that pack.
type DomainController struct {
	path string

	mu     sync.RWMutex
	policy map[string]packDomainPolicy
}

func NewDomainController(ecosystemDir string) *DomainController {
	dc := &DomainController{path: filepath.Join(ecosystemDir, "ecosystem.json")}
	_ = dc.reload()
	return dc
}

func (dc *DomainController) reload() error {
	data, err := os.ReadFile(dc.path)
	if err != nil {
		if os.IsNotExist(err) {
			dc.mu.Lock()
			dc.policy = map[string]packDomainPolicy{}
			dc.mu.Unlock()
			return nil
		}
		return err
	}

	var ef ecosystemFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return err
	}

	dc.mu.Lock()
	dc.policy = ef.Packs
	dc.mu.Unlock()
	return nil
}

// Allowed reports whether packID may contact host, and a human reason
// for denial.
func (dc *DomainController) Allowed(packID, host string) (bool, string) {
	dc.mu.RLock()
	policy, ok := dc.policy[packID]
	dc.mu.RUnlock()
	if !ok {
		return true, ""
	}

	host = strings.ToLower(host)
	for _, blocked := range policy.BlockDomains {
		if domainMatches(host, blocked) {
			return false, "domain is blocklisted: " + blocked
		}
	}
	if len(policy.AllowDomains) == 0 {
		return true, ""
	}
	for _, allowed := range policy.AllowDomains {
		if domainMatches(host, allowed) {
			return true, ""
		}
	}
	return false, "domain not in allowlist"
}

// domainMatches allows exact matches and "*.example.com" suffix wildcards.
func domainMatches(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}
	return host == pattern
}
