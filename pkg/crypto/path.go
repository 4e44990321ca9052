package crypto

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// unsafePathChars mirrors the original implementation's sanitize list:
// path separators, glob/redirect-significant characters, '.', and any
// ASCII control byte are replaced with '_' so a principal ID can be used
// safely as a single filesystem path component.
const unsafePathChars = "/\\:*?\"<>|."

// SanitizePrincipalID replaces characters that are unsafe to use as a
// filesystem name with '_'. Control bytes (0x00-0x1F) are replaced too.
func SanitizePrincipalID(principalID string) string {
	var b strings.Builder
	b.Grow(len(principalID))
	for _, r := range principalID {
		if r < 0x20 || strings.ContainsRune(unsafePathChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsPathWithin reports whether child, once resolved to an absolute,
// symlink-free path, is equal to or nested beneath parent. Used to
// reject path traversal (`..`) on a store's root_path and on a unit's
// entrypoint path.
func IsPathWithin(child, parent string) (bool, error) {
	resolvedParent, err := resolvePath(parent)
	if err != nil {
		return false, err
	}
	resolvedChild, err := resolvePath(child)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(resolvedParent, resolvedChild)
	if err != nil {
		return false, err
	}
	if rel == "." {
		return true, nil
	}
	if strings.HasPrefix(rel, "..") {
		return false, nil
	}
	return true, nil
}

// resolvePath resolves symlinks on whatever prefix of path actually
// exists on disk, falling back to filepath.Abs for paths (or path
// suffixes) that do not yet exist — callers frequently validate a
// root_path before the directory is created.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// Walk up to the nearest existing ancestor and resolve that, then
	// reattach the non-existent suffix.
	dir := abs
	var suffix []string
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			parts := append([]string{resolved}, suffix...)
			return filepath.Join(parts...), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
	}
}

// ComputeFileSHA256 hashes a file's contents in 64 KiB chunks, matching
// the original implementation's chunk size so behavior stays identical
// for very large entrypoint files.
func ComputeFileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, 64*1024)
	r := bufio.NewReaderSize(f, 64*1024)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeBytesSHA256 hashes raw bytes already in memory — used by the
// unit executor's TOCTOU-safe re-hash of bytes it is about to execute.
func ComputeBytesSHA256(b []byte) string {
	return HashBytes(b)
}
