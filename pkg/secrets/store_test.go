package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(Options{RootDir: dir, SecurityMode: ModePermissive, PlaintextPolicy: PolicyAuto})
	require.NoError(t, err)
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	created, err := s.SetSecret("API_KEY", "sk-live-123")
	require.NoError(t, err)
	require.True(t, created)

	got, err := s.ReadValueForCapability("API_KEY")
	require.NoError(t, err)
	require.Equal(t, "sk-live-123", got)
}

func TestListKeysNeverRevealsValue(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SetSecret("API_KEY", "sk-live-123")
	require.NoError(t, err)

	keys, err := s.ListKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "API_KEY", keys[0].Key)
}

func TestDeleteIsTombstone(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SetSecret("API_KEY", "sk-live-123")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSecret("API_KEY"))

	has, err := s.HasSecret("API_KEY")
	require.NoError(t, err)
	require.False(t, has)

	_, err = s.ReadValueForCapability("API_KEY")
	require.Error(t, err)
}

// TestLegacyPlaintextMigrationAndLockdown grounds end-to-end scenario 6:
// legacy plaintext secrets are migrated on first read, and once every
// secret is migrated, a .migration_complete marker disables plaintext
// fallback — a subsequent plaintext write-then-read returns empty.
func TestLegacyPlaintextMigrationAndLockdown(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{RootDir: dir, SecurityMode: ModePermissive, PlaintextPolicy: PolicyAuto})
	require.NoError(t, err)

	// Simulate two legacy plaintext secrets written directly to disk.
	writeLegacyPlaintext(t, dir, "LEGACY_ONE", "plain-one")
	writeLegacyPlaintext(t, dir, "LEGACY_TWO", "plain-two")

	v1, err := s.ReadValueForCapability("LEGACY_ONE")
	require.NoError(t, err)
	require.Equal(t, "plain-one", v1)

	v2, err := s.ReadValueForCapability("LEGACY_TWO")
	require.NoError(t, err)
	require.Equal(t, "plain-two", v2)

	_, err = os.Stat(filepath.Join(dir, migrationCompleteMarker))
	require.NoError(t, err, "migration_complete marker must exist once all secrets are encrypted")

	// A plaintext value written on disk after lockdown must not be
	// honored: read returns empty instead of silently falling back.
	writeLegacyPlaintext(t, dir, "LEGACY_ONE", "tampered-plaintext")
	v1Again, err := s.ReadValueForCapability("LEGACY_ONE")
	require.NoError(t, err)
	require.Empty(t, v1Again)
}

func writeLegacyPlaintext(t *testing.T, dir, key, value string) {
	t.Helper()
	path := filepath.Join(dir, key+".json")
	content := `{"key":"` + key + `","value":"` + value + `","created_at":"2020-01-01T00:00:00Z","updated_at":"2020-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
