// Package sidecar locates the staged cover file a UI-authored
// enforcement log entry may reference (§9(b)'s Open Question): when a
// user edits a book's cover, the UI writes the new image bytes
// somewhere under the enforcement-log directory before writing the log
// entry that points at it. This package is that named collaborator —
// it owns the staging path convention and nothing else.
package sidecar

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// coversSubdir is the fixed subdirectory of the enforcement-log
// directory under which staged cover images live.
const coversSubdir = "covers"

// StagedCoverPath returns the path a staged cover for bookID is
// expected at, given the enforcement-log directory and the cover
// file's extension (without the leading dot, as reported by the log
// entry or sniffed from the file itself).
func StagedCoverPath(logDir string, bookID int, ext string) string {
	if ext == "" {
		ext = "jpg"
	}
	name := strconv.Itoa(bookID) + "." + ext
	return filepath.Join(logDir, coversSubdir, name)
}

// Exists reports whether a staged cover file is present at path.
// Enforcement of the cover update is skipped (not failed) whenever
// this returns false, per §4.F's tolerance for a missing staged file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Read returns the staged cover's bytes.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read staged cover %s", path)
	}
	return data, nil
}

// Remove deletes a staged cover file once enforcement has consumed it.
// A missing file is not an error — the log may have referenced a cover
// that was never actually staged, or a previous run already cleaned it
// up (e.g. coalesced duplicate log entries, §4.F).
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove staged cover %s", path)
	}
	return nil
}
