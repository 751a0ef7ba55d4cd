// Package security guards payload artifacts before they are installed:
// archive entry names, entry and total sizes, compression ratio and
// content digests.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xam-io/kioskd/pkg/errors"
)

// ErrChecksumMismatch is returned when an artifact digest differs from the
// expected one.
var ErrChecksumMismatch = errors.New("security: checksum mismatch")

// Limits bounds what a single payload archive may expand to.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// DefaultLimits fits a kiosk application bundle.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:         512 * 1024 * 1024,
		MaxTotalSize:        2 * 1024 * 1024 * 1024,
		MaxCompressionRatio: 100,
	}
}

// Validator checks the entries of one archive. Reset it between archives.
type Validator struct {
	limits Limits

	mu        sync.Mutex
	extracted int64
}

func NewValidator(limits Limits) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", limits.MaxFileSize/1024/1024,
		"max_total_size_mb", limits.MaxTotalSize/1024/1024,
		"max_compression_ratio", limits.MaxCompressionRatio)
	return &Validator{limits: limits}
}

// CleanRelative returns p cleaned, rejecting absolute paths and paths that
// climb out of their root.
func CleanRelative(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("security: empty path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("security: absolute path not allowed: %s", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("security: path traversal detected: %s", p)
	}
	return clean, nil
}

// CheckEntryName validates the name of an archive entry.
func (v *Validator) CheckEntryName(name string) error {
	if _, err := CleanRelative(name); err != nil {
		slog.Error("security_entry_rejected", "entry", name, "error", err)
		return err
	}
	return nil
}

// CheckSymlink validates a link stored at entry pointing at target. The
// payload lives in its own directory, so absolute targets and relative
// targets resolving above the archive root are both rejected.
func (v *Validator) CheckSymlink(entry, target string) error {
	if filepath.IsAbs(target) {
		slog.Error("security_symlink_rejected", "entry", entry, "target", target, "reason", "absolute_target")
		return fmt.Errorf("security: absolute symlink target not allowed: %s -> %s", entry, target)
	}
	resolved := filepath.Join(filepath.Dir(entry), target)
	if _, err := CleanRelative(resolved); err != nil {
		slog.Error("security_symlink_rejected", "entry", entry, "target", target, "resolved", resolved)
		return fmt.Errorf("security: symlink %s -> %s escapes the archive root", entry, target)
	}
	return nil
}

// CheckEntrySize rejects a single entry above the file size limit.
func (v *Validator) CheckEntrySize(size int64) error {
	if size > v.limits.MaxFileSize {
		slog.Error("security_entry_too_large",
			"size_mb", size/1024/1024,
			"max_file_size_mb", v.limits.MaxFileSize/1024/1024)
		return fmt.Errorf("security: entry size %d exceeds max %d", size, v.limits.MaxFileSize)
	}
	return nil
}

// Account adds size to the running total for the archive.
func (v *Validator) Account(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.extracted += size
	if v.extracted > v.limits.MaxTotalSize {
		slog.Error("security_total_size_exceeded",
			"extracted_mb", v.extracted/1024/1024,
			"max_total_mb", v.limits.MaxTotalSize/1024/1024)
		return fmt.Errorf("security: extracted size %d exceeds max %d", v.extracted, v.limits.MaxTotalSize)
	}
	return nil
}

// CheckRatio compares the bytes extracted so far with the archive's size
// on disk.
func (v *Validator) CheckRatio(compressedSize int64) error {
	if compressedSize <= 0 {
		return fmt.Errorf("security: archive size must be positive")
	}
	extracted := v.Extracted()
	ratio := float64(extracted) / float64(compressedSize)
	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio,
			"compressed_bytes", compressedSize,
			"extracted_bytes", extracted)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f", ratio, v.limits.MaxCompressionRatio)
	}
	return nil
}

func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.extracted = 0
}

// Extracted returns the bytes accounted since the last Reset.
func (v *Validator) Extracted() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extracted
}

// CheckArtifactSize rejects a downloaded artifact above max. A max of zero
// disables the check.
func CheckArtifactSize(size, max int64) error {
	if max > 0 && size > max {
		return fmt.Errorf("security: artifact size %d exceeds max %d", size, max)
	}
	return nil
}

// SHA256File returns the hex digest of the file at path.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open artifact")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "failed to hash artifact")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySHA256 checks the file at path against want, a lowercase hex
// digest. An empty want always passes.
func VerifySHA256(path, want string) error {
	if want == "" {
		return nil
	}
	got, err := SHA256File(path)
	if err != nil {
		return err
	}
	if got != want {
		slog.Error("security_checksum_mismatch", "path", path, "want", want, "got", got)
		return fmt.Errorf("%w: %s has %s, want %s", ErrChecksumMismatch, path, got, want)
	}
	return nil
}
