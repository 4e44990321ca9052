package approval

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestImporter(t *testing.T) (*Importer, string) {
	t.Helper()
	root := t.TempDir()
	packsRoot := filepath.Join(root, "packs")
	im, err := NewImporter(filepath.Join(root, "pack_staging"), packsRoot, nil)
	require.NoError(t, err)
	return im, packsRoot
}

func writeSinglePackDir(t *testing.T, root string) string {
	t.Helper()
	src := filepath.Join(root, "source", "acme")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "handlers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "ecosystem.json"), []byte(`{"pack_id":"acme"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "handlers", "write_file.py"), []byte("print('x')"), 0o644))
	return filepath.Join(root, "source")
}

func TestImport_DirectorySource_DetectsPackID(t *testing.T) {
	root := t.TempDir()
	im, _ := newTestImporter(t)
	src := writeSinglePackDir(t, root)

	result := im.Import(src, "first import")
	require.True(t, result.Success)
	require.NotEmpty(t, result.StagingID)
	require.Equal(t, []string{"acme"}, result.PackIDs)
}

func TestImport_SameSourceTwice_DistinctStagingIDsIdenticalPackIDs(t *testing.T) {
	root := t.TempDir()
	im, _ := newTestImporter(t)
	src := writeSinglePackDir(t, root)

	first := im.Import(src, "")
	second := im.Import(src, "")

	require.True(t, first.Success)
	require.True(t, second.Success)
	require.NotEqual(t, first.StagingID, second.StagingID)
	require.Equal(t, first.PackIDs, second.PackIDs)
}

func TestImport_ZipSource_ZipSlipRejected(t *testing.T) {
	root := t.TempDir()
	im, _ := newTestImporter(t)

	zipPath := filepath.Join(root, "evil.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("acme/../../../etc/passwd")
	require.NoError(t, err)
	_, err = w.Write([]byte("pwned"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	result := im.Import(zipPath, "")
	require.False(t, result.Success)
	require.Contains(t, result.Error, "zip_slip_detected")
}

func TestImport_ZipSource_MultipleTopDirsRejected(t *testing.T) {
	root := t.TempDir()
	im, _ := newTestImporter(t)

	zipPath := filepath.Join(root, "multi.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range []string{"acme/ecosystem.json", "other/ecosystem.json"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(`{"pack_id":"x"}`))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	result := im.Import(zipPath, "")
	require.False(t, result.Success)
	require.Contains(t, result.Error, "invalid_top_directory")
}

func TestImport_ZipSource_ValidArchiveExtractsAndDetectsPackID(t *testing.T) {
	root := t.TempDir()
	im, _ := newTestImporter(t)

	zipPath := filepath.Join(root, "acme.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"acme/ecosystem.json":          `{"pack_id":"acme"}`,
		"acme/handlers/write_file.py": "print('x')",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	result := im.Import(zipPath, "")
	require.True(t, result.Success)
	require.Equal(t, []string{"acme"}, result.PackIDs)
	require.Equal(t, "zip", result.Meta.SourceType)
}

func TestApply_ReplaceMode_PromotesStagedPackIntoPacksRoot(t *testing.T) {
	root := t.TempDir()
	im, packsRoot := newTestImporter(t)
	src := writeSinglePackDir(t, root)

	imported := im.Import(src, "")
	require.True(t, imported.Success)

	applied := im.Apply(imported.StagingID, ApplyModeReplace)
	require.True(t, applied.Success)
	require.Equal(t, []string{"acme"}, applied.PackIDs)

	data, err := os.ReadFile(filepath.Join(packsRoot, "acme", "ecosystem.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "acme")
}

func TestApply_ReplaceMode_RemovesStaleFilesFromPriorApply(t *testing.T) {
	root := t.TempDir()
	im, packsRoot := newTestImporter(t)
	src := writeSinglePackDir(t, root)

	firstImport := im.Import(src, "")
	require.True(t, im.Apply(firstImport.StagingID, ApplyModeReplace).Success)

	stalePath := filepath.Join(packsRoot, "acme", "stale.txt")
	require.NoError(t, os.WriteFile(stalePath, []byte("leftover"), 0o644))

	secondImport := im.Import(src, "")
	require.True(t, im.Apply(secondImport.StagingID, ApplyModeReplace).Success)

	_, err := os.Stat(stalePath)
	require.True(t, os.IsNotExist(err))
}

func TestApply_UnknownStagingID_Fails(t *testing.T) {
	im, _ := newTestImporter(t)

	result := im.Apply("does-not-exist", ApplyModeReplace)
	require.False(t, result.Success)
	require.Equal(t, "staging_not_found", result.Error)
}

func TestApply_DefaultModeIsReplace(t *testing.T) {
	root := t.TempDir()
	im, packsRoot := newTestImporter(t)
	src := writeSinglePackDir(t, root)

	imported := im.Import(src, "")
	applied := im.Apply(imported.StagingID, "")
	require.True(t, applied.Success)
	require.DirExists(t, filepath.Join(packsRoot, "acme"))
}
