package trust

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeEntries(t *testing.T, path string, entries []Entry) {
	t.Helper()
	b, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestIsTrusted_MatchAndMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_handlers.json")
	writeEntries(t, path, []Entry{
		{ID: "fs.write", SHA256: repeatHex("a"), Kind: KindPython},
	})

	s, err := NewStore(path, false, nil)
	require.NoError(t, err)

	r := s.IsTrusted("fs.write", "", repeatHex("a"), KindPython)
	require.True(t, r.Trusted)

	r = s.IsTrusted("fs.write", "", repeatHex("b"), KindPython)
	require.False(t, r.Trusted)
}

func TestInvalidEntrySkippedNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_units.json")
	writeEntries(t, path, []Entry{
		{ID: "good", SHA256: repeatHex("a"), Kind: KindPython},
		{ID: "bad", SHA256: "not-hex", Kind: KindPython},
	})

	s, err := NewStore(path, false, nil)
	require.NoError(t, err)

	require.True(t, s.IsTrusted("good", "", repeatHex("a"), KindPython).Trusted)
	require.False(t, s.IsTrusted("bad", "", "not-hex", KindPython).Trusted)
}

func TestAutoReloadPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_handlers.json")
	writeEntries(t, path, []Entry{{ID: "fs.write", SHA256: repeatHex("a"), Kind: KindPython}})

	s, err := NewStore(path, true, nil)
	require.NoError(t, err)
	require.True(t, s.IsTrusted("fs.write", "", repeatHex("a"), KindPython).Trusted)

	time.Sleep(10 * time.Millisecond)
	writeEntries(t, path, []Entry{{ID: "fs.write", SHA256: repeatHex("b"), Kind: KindPython}})
	require.NoError(t, os.Chtimes(path, time.Now().Add(time.Second), time.Now().Add(time.Second)))

	require.True(t, s.IsTrusted("fs.write", "", repeatHex("b"), KindPython).Trusted)
}

func repeatHex(ch string) string {
	out := ""
	for i := 0; i < 64; i++ {
		out += ch
	}
	return out
}
