package units

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/rumi-ai/kernel/pkg/crypto"
)

// latestVersionAlias is the one non-literal version a Ref may carry:
// resolve to the highest semver-parseable version directory present
// under the unit's path instead of an exact (store_id, unit_id, version)
// triple. Every other addressing in this kernel is exact.
const latestVersionAlias = "latest"

// Registry resolves unit refs against a store's on-disk tree:
// <storeRoot>/<unit_id>/<version>/unit.json.
type Registry struct{}

func NewRegistry() *Registry { return &Registry{} }

// resolveLatestVersion scans <storeRoot>/<unitID> for subdirectories
// whose name parses as a semver version and returns the highest one.
func resolveLatestVersion(storeRoot, unitID string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(storeRoot, unitID))
	if err != nil {
		return "", fmt.Errorf("units: list versions: %w", err)
	}

	var best *semver.Version
	var bestName string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.NewVersion(e.Name())
		if err != nil {
			continue // non-semver directory name, e.g. scratch/temp dirs
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestName = e.Name()
		}
	}
	if best == nil {
		return "", fmt.Errorf("units: no semver-parseable version found for %s", unitID)
	}
	return bestName, nil
}

// GetUnitByRef loads and parses a unit's manifest. unit_id may itself
// contain path separators (namespace/name), matching the spec's
// "<store_root>/<namespace>/<name>/<version>/unit.json" layout.
// ref.Version may be the literal alias "latest", resolved to the
// highest semver directory present before the manifest is read.
func (r *Registry) GetUnitByRef(storeRoot string, ref Ref) (*Meta, error) {
	version := ref.Version
	if version == latestVersionAlias {
		resolved, err := resolveLatestVersion(storeRoot, ref.UnitID)
		if err != nil {
			return nil, err
		}
		version = resolved
	}

	unitDir := filepath.Join(storeRoot, ref.UnitID, version)
	manifestPath := filepath.Join(unitDir, "unit.json")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("units: read manifest: %w", err)
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("units: parse manifest: %w", err)
	}
	m.UnitDir = unitDir
	return &m, nil
}

// ComputeEntrypointSHA256 hashes <unitDir>/<entrypoint>, refusing to
// follow a path that escapes unitDir.
func (r *Registry) ComputeEntrypointSHA256(unitDir, entrypoint string) (string, error) {
	epPath := filepath.Join(unitDir, entrypoint)
	within, err := crypto.IsPathWithin(epPath, unitDir)
	if err != nil {
		return "", err
	}
	if !within {
		return "", fmt.Errorf("units: entrypoint escapes unit directory")
	}
	return crypto.ComputeFileSHA256(epPath)
}
