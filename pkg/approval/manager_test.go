package approval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	packsRoot := filepath.Join(root, "packs")
	require.NoError(t, os.MkdirAll(filepath.Join(packsRoot, "acme", "handlers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(packsRoot, "acme", "manifest.json"), []byte(`{"name":"acme"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(packsRoot, "acme", "handlers", "write_file.py"), []byte("print('x')"), 0o644))

	m, err := NewManager(filepath.Join(root, "approvals"), packsRoot, nil)
	require.NoError(t, err)
	return m, packsRoot
}

func TestApprove_ThenVerifyHash_Succeeds(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Approve("acme", "admin"))

	ok, reason := m.IsPackApprovedAndVerified("acme")
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestVerifyHash_DetectsTamperAndTransitionsToModified(t *testing.T) {
	m, packsRoot := newTestManager(t)
	require.NoError(t, m.Approve("acme", "admin"))

	// Mutate a file after approval.
	require.NoError(t, os.WriteFile(filepath.Join(packsRoot, "acme", "handlers", "write_file.py"), []byte("print('tampered')"), 0o644))

	ok, reason := m.IsPackApprovedAndVerified("acme")
	require.False(t, ok)
	require.NotEmpty(t, reason)

	rec := m.GetStatus("acme")
	require.Equal(t, StatusModified, rec.Status)
}

func TestPendingPackIsNeverApproved(t *testing.T) {
	m, _ := newTestManager(t)
	ok, reason := m.IsPackApprovedAndVerified("acme")
	require.False(t, ok)
	require.Contains(t, reason, "pending")
}

func TestRejectAndRemoveApproval(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Reject("acme", "fails review"))
	rec := m.GetStatus("acme")
	require.Equal(t, StatusRejected, rec.Status)
	require.Equal(t, "fails review", rec.Reason)

	require.NoError(t, m.RemoveApproval("acme"))
	rec = m.GetStatus("acme")
	require.Equal(t, StatusPending, rec.Status)
}

func TestScanPacks_DiscoversNewPendingPacks(t *testing.T) {
	m, packsRoot := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Join(packsRoot, "other"), 0o755))

	discovered, err := m.ScanPacks(context.Background())
	require.NoError(t, err)
	require.Contains(t, discovered, "acme")
	require.Contains(t, discovered, "other")

	rec := m.GetStatus("other")
	require.Equal(t, StatusPending, rec.Status)
}
