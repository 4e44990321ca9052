package grants

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager("capabilities", filepath.Join(root, "capabilities"), filepath.Join(root), "", nil)
	require.NoError(t, err)
	return m
}

func TestHierarchicalCheck_AllAncestorsRequired(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.GrantPermission("a", "fs.write", map[string]interface{}{"paths": []interface{}{"/tmp", "/var"}}))
	require.NoError(t, m.GrantPermission("a__b", "fs.write", map[string]interface{}{"paths": []interface{}{"/tmp"}}))

	// "a__b__c" has no grant file of its own -> denied.
	res := m.Check("a__b__c", "fs.write")
	require.False(t, res.Allowed)

	require.NoError(t, m.GrantPermission("a__b__c", "fs.write", map[string]interface{}{"paths": []interface{}{"/tmp", "/etc"}}))
	res = m.Check("a__b__c", "fs.write")
	require.True(t, res.Allowed)
	require.Equal(t, []interface{}{"/tmp"}, res.Config["paths"])
}

func TestCheck_DeniedIfAnyAncestorLacksPermission(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.GrantPermission("a", "fs.write", nil))
	// "a__b" exists but does not grant fs.write.
	require.NoError(t, m.GrantPermission("a__b", "fs.read", nil))

	res := m.Check("a__b", "fs.write")
	require.False(t, res.Allowed)
}

func TestTamperDetectionPersistsForProcess(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.GrantPermission("acme", "fs.write", nil))

	path := m.pathFor("acme")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-2] ^= 0xFF // flip a byte inside the JSON payload
	require.NoError(t, os.WriteFile(path, data, 0o600))

	res := m.Check("acme", "fs.write")
	require.False(t, res.Allowed)

	// Even after "repair" on disk, the in-process tampered set persists.
	require.NoError(t, m.GrantPermission("acme", "fs.write", nil))
	res = m.Check("acme", "fs.write")
	require.False(t, res.Allowed)
}
