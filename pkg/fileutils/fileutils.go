// Package fileutils holds the small set of filesystem primitives the
// ingest pipeline needs around the intake, backup, and failed
// directories: naming a backup copy, moving a file across whatever
// filesystem boundary intake/backup/failed happen to straddle, and
// pruning the empty directories a processed drop leaves behind.
package fileutils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// BackupName returns the `{YYYYMMDD_HHMMSS}_{original-filename}` naming
// convention used under every `backups/*` subdirectory (§6).
func BackupName(originalFilename string, at time.Time) string {
	return at.UTC().Format("20060102_150405") + "_" + originalFilename
}

// FailedName returns the timestamped, reason-encoding name a file is
// given when moved into `failed/` (§1, §7): the original filename
// prefixed with a timestamp and the failure reason, so a directory
// listing alone explains why each file landed there.
func FailedName(originalFilename, reason string, at time.Time) string {
	safeReason := strings.ReplaceAll(strings.ToLower(reason), " ", "_")
	return at.UTC().Format("20060102_150405") + "_" + safeReason + "_" + originalFilename
}

// MonthBucket returns the `{YYYY-MM}` directory component backup
// directories like `backups/converted/` are bucketed under.
func MonthBucket(at time.Time) string {
	return at.UTC().Format("2006-01")
}

// SafeMove moves src to dst, trying a plain rename first (instant, and
// the common case since intake/backup/failed are usually the same
// volume) and falling back to copy-then-remove when that fails — e.g.
// the network-share deployment mode, where intake and backup can be
// different mounts.
func SafeMove(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create destination directory for %s", dst)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := SafeCopy(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		// Destination copy already landed; better to leave a stray
		// duplicate at src than lose the copied file by removing dst.
		return errors.Wrapf(err, "copied %s to %s but failed to remove source", src, dst)
	}
	return nil
}

// SafeCopy copies src to dst, preserving src's file mode. The copy is
// written to a temporary sibling of dst and renamed into place, so a
// reader (or a crash) never observes a partially written dst.
func SafeCopy(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer source.Close() //nolint:errcheck

	info, err := source.Stat()
	if err != nil {
		return errors.WithStack(err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create destination directory for %s", dst)
	}

	tmp := dst + ".partial"
	dest, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmp)
	}

	if _, err := io.Copy(dest, source); err != nil {
		dest.Close()   //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return errors.Wrapf(err, "failed to copy %s to %s", src, tmp)
	}
	if err := dest.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return errors.WithStack(err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return errors.Wrapf(err, "failed to finalize copy at %s", dst)
	}
	return nil
}

// UniquePath returns path unchanged if nothing exists there yet,
// otherwise appends " (n)" before the extension until a free name is
// found — used when a backup or failed destination collides with an
// existing file (the same original filename ingested twice in one
// day).
func UniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return path
}

// CleanupEmptyDirectory removes dirPath if it contains nothing but
// entries matching ignoredPatterns (dotfiles, Thumbs.db, and similar
// OS litter left behind once the real payload file has been claimed).
// Returns whether the directory was removed.
func CleanupEmptyDirectory(dirPath string, ignoredPatterns ...string) (bool, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}

	var toRemove []string
	for _, entry := range entries {
		if entry.IsDir() {
			return false, nil
		}
		if !matchesIgnoredPattern(entry.Name(), ignoredPatterns) {
			return false, nil
		}
		toRemove = append(toRemove, filepath.Join(dirPath, entry.Name()))
	}

	for _, f := range toRemove {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return false, errors.WithStack(err)
		}
	}
	if err := os.Remove(dirPath); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// CleanupEmptyParentDirectories climbs from startPath toward (but not
// including) stopAt, removing each directory made empty by the file
// that was just moved out of it, and stopping at the first directory
// that still has real content.
func CleanupEmptyParentDirectories(startPath, stopAt string, ignoredPatterns ...string) error {
	current := startPath
	for current != stopAt && current != "." && current != "/" {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}

		removed, err := CleanupEmptyDirectory(current, ignoredPatterns...)
		if err != nil {
			return err
		}
		if !removed {
			break
		}
		current = parent
	}
	return nil
}

func matchesIgnoredPattern(filename string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == ".*" && strings.HasPrefix(filename, ".") {
			return true
		}
		if filename == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, filename); matched {
			return true
		}
	}
	return false
}
