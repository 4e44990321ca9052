// Staging implements the pack import/apply pipeline (C7's companion to
// the approval ledger): uploaded packs land in a staging directory under
// zip-slip and size-limit scrutiny before Apply promotes them into the
// packs root the rest of this package verifies, grounded on the
// original core_runtime/pack_importer.py and on the teacher's
// audit.Exporter zip handling (core/pkg/audit/export.go).
package approval

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rumi-ai/kernel/pkg/audit"
)

const (
	// DefaultMaxFiles bounds the entry count of an imported archive or
	// directory (original_source: DEFAULT_MAX_FILES).
	DefaultMaxFiles = 2000
	// DefaultMaxUncompressedBytes bounds the cumulative extracted size
	// of an import (original_source: DEFAULT_MAX_UNCOMPRESSED_BYTES).
	DefaultMaxUncompressedBytes = 500 * 1024 * 1024
	// DefaultMaxSingleFileBytes bounds any one file within an import
	// (original_source: DEFAULT_MAX_SINGLE_FILE_BYTES).
	DefaultMaxSingleFileBytes = 200 * 1024 * 1024
)

// ApplyMode controls how Apply merges a staged payload into the packs
// root (original_source's pack_lifecycle_handlers._pack_apply default).
type ApplyMode string

const (
	// ApplyModeReplace removes any existing pack directory of the same
	// ID before copying the staged payload in.
	ApplyModeReplace ApplyMode = "replace"
	// ApplyModeMerge copies the staged payload over an existing pack
	// directory without first removing it, leaving files the staged
	// payload doesn't touch in place.
	ApplyModeMerge ApplyMode = "merge"
)

// ImportMeta is the persisted manifest written to
// <staging_root>/<staging_id>/meta.json, mirroring the Python importer's
// meta dict field-for-field.
type ImportMeta struct {
	StagingID  string    `json:"staging_id"`
	SourcePath string    `json:"source_path"`
	SourceType string    `json:"source_type"`
	Notes      string    `json:"notes"`
	ImportedAt time.Time `json:"imported_at"`
	PackIDs    []string  `json:"pack_ids"`
}

// ImportResult is the outcome of Importer.Import.
type ImportResult struct {
	Success   bool       `json:"success"`
	StagingID string     `json:"staging_id,omitempty"`
	PackIDs   []string   `json:"pack_ids"`
	Error     string     `json:"error,omitempty"`
	Meta      ImportMeta `json:"meta,omitempty"`
}

// ApplyResult is the outcome of Importer.Apply.
type ApplyResult struct {
	Success bool     `json:"success"`
	PackIDs []string `json:"pack_ids,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Importer stages uploaded pack archives/directories and promotes them
// into a packs root. Every staged import lands under its own freshly
// random staging_id directory (spec §8's round-trip property: importing
// the same archive twice yields two distinct staging_ids and identical
// detected pack_ids), so Import never derives the ID from content.
type Importer struct {
	stagingRoot string
	packsRoot   string
	auditLog    audit.Logger

	maxFiles             int
	maxUncompressedBytes int64
	maxSingleFileBytes   int64
}

// NewImporter creates an Importer rooted at stagingRoot
// (user_data/pack_staging), promoting into packsRoot on Apply.
func NewImporter(stagingRoot, packsRoot string, auditLog audit.Logger) (*Importer, error) {
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("approval: create staging root: %w", err)
	}
	return &Importer{
		stagingRoot:          stagingRoot,
		packsRoot:            packsRoot,
		auditLog:             auditLog,
		maxFiles:             DefaultMaxFiles,
		maxUncompressedBytes: DefaultMaxUncompressedBytes,
		maxSingleFileBytes:   DefaultMaxSingleFileBytes,
	}, nil
}

func (im *Importer) recordAudit(action string, success bool, details map[string]interface{}) {
	if im.auditLog == nil {
		return
	}
	im.auditLog.Record(audit.Entry{
		Category: audit.CategoryApproval,
		Action:   action,
		Success:  success,
		Details:  details,
	})
}

// Import stages sourcePath (a directory, a .zip, or a .rumipack — treated
// identically to a .zip) into a new staging_id directory and detects the
// pack_ids it contains. It never touches packsRoot; call Apply to
// promote a staged import.
func (im *Importer) Import(sourcePath, notes string) ImportResult {
	im.recordAudit("pack_import_started", true, map[string]interface{}{"source_path": sourcePath})

	result, err := im.doImport(sourcePath, notes)
	if err != nil {
		im.recordAudit("pack_import_failed", false, map[string]interface{}{
			"source_path": sourcePath,
			"error":       err.Error(),
		})
		return ImportResult{Success: false, Error: err.Error()}
	}

	im.recordAudit("pack_import_completed", true, map[string]interface{}{
		"staging_id": result.StagingID,
		"pack_ids":   result.PackIDs,
	})
	return result
}

func (im *Importer) doImport(sourcePath, notes string) (ImportResult, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return ImportResult{}, fmt.Errorf("source_not_found")
	}

	stagingID := uuid.New().String()
	stagingDir := filepath.Join(im.stagingRoot, stagingID)
	payloadDir := filepath.Join(stagingDir, "payload")
	workDir := filepath.Join(stagingDir, "_import")
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return ImportResult{}, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return ImportResult{}, err
	}

	var sourceType string
	switch {
	case info.IsDir():
		sourceType = "directory"
		topDir, err := im.prepareDirectorySource(sourcePath)
		if err != nil {
			return ImportResult{}, err
		}
		if err := copyDirectoryContents(topDir, payloadDir, im.maxFiles, im.maxUncompressedBytes, im.maxSingleFileBytes); err != nil {
			return ImportResult{}, err
		}
	case strings.EqualFold(filepath.Ext(sourcePath), ".zip"), strings.EqualFold(filepath.Ext(sourcePath), ".rumipack"):
		if strings.EqualFold(filepath.Ext(sourcePath), ".zip") {
			sourceType = "zip"
		} else {
			sourceType = "rumipack"
		}
		topDirName, err := im.extractArchive(sourcePath, workDir)
		if err != nil {
			return ImportResult{}, err
		}
		topDir := filepath.Join(workDir, topDirName)
		fi, err := os.Stat(topDir)
		if err != nil || !fi.IsDir() {
			return ImportResult{}, fmt.Errorf("invalid_top_directory")
		}
		if err := copyDirectoryContents(topDir, payloadDir, im.maxFiles, im.maxUncompressedBytes, im.maxSingleFileBytes); err != nil {
			return ImportResult{}, err
		}
	default:
		return ImportResult{}, fmt.Errorf("unsupported_source_type")
	}

	packIDs, err := detectPackIDs(payloadDir)
	if err != nil {
		return ImportResult{}, err
	}

	meta := ImportMeta{
		StagingID:  stagingID,
		SourcePath: sourcePath,
		SourceType: sourceType,
		Notes:      notes,
		ImportedAt: time.Now().UTC(),
		PackIDs:    packIDs,
	}
	if err := writeJSONFile(filepath.Join(stagingDir, "meta.json"), meta); err != nil {
		return ImportResult{}, err
	}

	return ImportResult{Success: true, StagingID: stagingID, PackIDs: packIDs, Meta: meta}, nil
}

// prepareDirectorySource mirrors _prepare_directory_source: a source
// directory must either contain exactly one subdirectory (ignoring
// dotfiles), or carry ecosystem.json/packs/ directly at its root.
func (im *Importer) prepareDirectorySource(src string) (string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return "", err
	}
	var visible []os.DirEntry
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			visible = append(visible, e)
		}
	}
	if len(visible) == 1 && visible[0].IsDir() {
		return filepath.Join(src, visible[0].Name()), nil
	}
	if fileExists(filepath.Join(src, "ecosystem.json")) || dirExists(filepath.Join(src, "packs")) {
		return src, nil
	}
	return "", fmt.Errorf("invalid_top_directory")
}

// extractArchive validates and extracts a zip (or .rumipack, treated as
// a zip) into workDir, returning the single top-level directory name
// every entry shared.
func (im *Importer) extractArchive(src, workDir string) (string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("source_not_found")
	}
	defer zr.Close()

	var entries []*zip.File
	for _, f := range zr.File {
		if f.Name == "" || strings.HasSuffix(f.Name, "/") {
			continue
		}
		entries = append(entries, f)
	}

	if err := im.validateZipEntries(entries); err != nil {
		return "", err
	}
	topDirName, err := validateTopLevel(entries)
	if err != nil {
		return "", err
	}
	for _, f := range entries {
		if err := safeExtractEntry(f, workDir); err != nil {
			return "", err
		}
	}
	return topDirName, nil
}

func (im *Importer) validateZipEntries(entries []*zip.File) error {
	if len(entries) > im.maxFiles {
		return fmt.Errorf("zip_too_many_files")
	}

	var totalSize int64
	for _, f := range entries {
		normalized := strings.ReplaceAll(f.Name, "\\", "/")
		if path.IsAbs(normalized) || hasDotDotPart(normalized) {
			return fmt.Errorf("zip_slip_detected")
		}
		if isZipSymlink(f) {
			return fmt.Errorf("zip_symlink_detected")
		}
		size := int64(f.UncompressedSize64)
		if size > im.maxSingleFileBytes {
			return fmt.Errorf("zip_file_too_large")
		}
		totalSize += size
		if totalSize > im.maxUncompressedBytes {
			return fmt.Errorf("zip_uncompressed_too_large")
		}
	}
	return nil
}

// validateTopLevel mirrors _validate_top_level: every entry must share
// exactly one first path component, and it must not be empty or "." / "..".
func validateTopLevel(entries []*zip.File) (string, error) {
	topDirs := map[string]struct{}{}
	for _, f := range entries {
		normalized := strings.ReplaceAll(f.Name, "\\", "/")
		parts := strings.Split(path.Clean(normalized), "/")
		if len(parts) == 0 || parts[0] == "" {
			continue
		}
		topDirs[parts[0]] = struct{}{}
	}
	if len(topDirs) != 1 {
		return "", fmt.Errorf("invalid_top_directory")
	}
	var topDir string
	for d := range topDirs {
		topDir = d
	}
	if topDir == "" || topDir == "." || topDir == ".." {
		return "", fmt.Errorf("invalid_top_directory")
	}
	return topDir, nil
}

func hasDotDotPart(normalized string) bool {
	for _, part := range strings.Split(normalized, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// isZipSymlink mirrors _is_symlink: a Unix-origin entry (CreatorVersion
// high byte 3) whose external attributes carry the symlink file-type bits.
func isZipSymlink(f *zip.File) bool {
	if f.CreatorVersion>>8 != 3 {
		return false
	}
	mode := f.ExternalAttrs >> 16
	return mode&0o170000 == 0o120000
}

// safeExtractEntry mirrors _safe_extract_entry: after joining, the
// resolved target must still be a descendant of destDir.
func safeExtractEntry(f *zip.File, destDir string) error {
	normalized := strings.ReplaceAll(f.Name, "\\", "/")
	targetPath := filepath.Join(destDir, filepath.FromSlash(normalized))

	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	targetAbs, err := filepath.Abs(targetPath)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(destAbs, targetAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("zip_slip_detected")
	}

	if err := os.MkdirAll(filepath.Dir(targetAbs), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(targetAbs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return nil
}

// copyDirectoryContents mirrors _copy_directory_contents: a first pass
// rejects symlinks and enforces the count/size limits before any bytes
// are copied, so a rejected import leaves no partial payload.
func copyDirectoryContents(srcDir, destDir string, maxFiles int, maxUncompressedBytes, maxSingleFileBytes int64) error {
	srcAbs, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}

	fileCount := 0
	var totalSize int64
	err = filepath.Walk(srcAbs, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink_detected")
		}
		if fi.IsDir() {
			return nil
		}
		fileCount++
		if fileCount > maxFiles {
			return fmt.Errorf("too_many_files")
		}
		if fi.Size() > maxSingleFileBytes {
			return fmt.Errorf("file_too_large")
		}
		totalSize += fi.Size()
		if totalSize > maxUncompressedBytes {
			return fmt.Errorf("total_size_too_large")
		}
		return nil
	})
	if err != nil {
		return err
	}

	return filepath.Walk(srcAbs, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcAbs, p)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink_detected")
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// detectPackIDs mirrors _detect_pack_ids: a payload/packs/ subdirectory
// holds one or more packs, each needing its own ecosystem.json; absent
// that, the payload root itself must carry a single ecosystem.json with
// a pack_id field.
func detectPackIDs(payloadDir string) ([]string, error) {
	packsDir := filepath.Join(payloadDir, "packs")
	if fi, err := os.Stat(packsDir); err == nil && fi.IsDir() {
		entries, err := os.ReadDir(packsDir)
		if err != nil {
			return nil, err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		var packIDs []string
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if !fileExists(filepath.Join(packsDir, e.Name(), "ecosystem.json")) {
				return nil, fmt.Errorf("ecosystem_json_not_found:%s", e.Name())
			}
			packIDs = append(packIDs, e.Name())
		}
		if len(packIDs) == 0 {
			return nil, fmt.Errorf("no_packs_found")
		}
		return packIDs, nil
	}

	ecoPath := filepath.Join(payloadDir, "ecosystem.json")
	data, err := os.ReadFile(ecoPath)
	if err != nil {
		return nil, fmt.Errorf("ecosystem_json_not_found")
	}
	var eco struct {
		PackID string `json:"pack_id"`
	}
	_ = parseJSON(data, &eco)
	if eco.PackID == "" {
		return nil, fmt.Errorf("pack_id_missing")
	}
	return []string{eco.PackID}, nil
}

// Apply promotes a staged import's packs into the packs root that
// Manager.ScanPacks walks. ApplyModeReplace removes any
// existing pack directory of the same ID first; ApplyModeMerge copies
// over it. mode defaults to ApplyModeReplace, matching the original
// handler's _pack_apply(mode="replace") default.
func (im *Importer) Apply(stagingID string, mode ApplyMode) ApplyResult {
	if mode == "" {
		mode = ApplyModeReplace
	}

	result, err := im.doApply(stagingID, mode)
	im.recordAudit("pack_apply_completed", err == nil, map[string]interface{}{
		"staging_id": stagingID,
		"mode":       string(mode),
	})
	if err != nil {
		return ApplyResult{Success: false, Error: err.Error()}
	}
	return result
}

func (im *Importer) doApply(stagingID string, mode ApplyMode) (ApplyResult, error) {
	stagingDir := filepath.Join(im.stagingRoot, stagingID)
	payloadDir := filepath.Join(stagingDir, "payload")
	if !dirExists(payloadDir) {
		return ApplyResult{}, fmt.Errorf("staging_not_found")
	}

	packIDs, err := detectPackIDs(payloadDir)
	if err != nil {
		return ApplyResult{}, err
	}

	if err := os.MkdirAll(im.packsRoot, 0o755); err != nil {
		return ApplyResult{}, err
	}

	packsSubdir := filepath.Join(payloadDir, "packs")
	singlePack := !dirExists(packsSubdir)

	for _, packID := range packIDs {
		var src string
		if singlePack {
			src = payloadDir
		} else {
			src = filepath.Join(packsSubdir, packID)
		}
		dest := filepath.Join(im.packsRoot, packID)

		if mode == ApplyModeReplace {
			if err := os.RemoveAll(dest); err != nil {
				return ApplyResult{}, err
			}
		}
		if err := copyDirectoryContents(src, dest, im.maxFiles, im.maxUncompressedBytes, im.maxSingleFileBytes); err != nil {
			return ApplyResult{}, err
		}
	}

	return ApplyResult{Success: true, PackIDs: packIDs}, nil
}

func writeJSONFile(p string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func parseJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
