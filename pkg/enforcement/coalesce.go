package enforcement

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// loggedFile pairs a parsed LogEntry with the file it came from and the
// file's own mtime, used when the entry carries no usable Timestamp.
type loggedFile struct {
	path    string
	entry   *LogEntry
	modTime time.Time
}

func (lf loggedFile) effectiveTime() time.Time {
	if t := lf.entry.ParsedTime(); !t.IsZero() {
		return t
	}
	return lf.modTime
}

// discoverSameBook scans dir (non-recursively — covers/ and
// enforce_failed/ are subdirectories skipped automatically) for every
// log file whose book_id matches. Files that fail to parse are skipped
// rather than failing the whole scan: a concurrently-written, partial
// log file should not block coalescing for its siblings.
func discoverSameBook(dir string, bookID int) ([]loggedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list enforcement log directory %s", dir)
	}

	var out []loggedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		entry, err := ParseLogFile(path)
		if err != nil {
			continue
		}
		if entry.BookID != bookID {
			continue
		}
		info, err := e.Info()
		modTime := time.Time{}
		if err == nil {
			modTime = info.ModTime()
		}
		out = append(out, loggedFile{path: path, entry: entry, modTime: modTime})
	}
	return out, nil
}

// coalesce picks the newest of candidates and deletes the rest,
// matching §4.F step 3's "coalesce to the newest and delete the older
// ones". Returns the newest entry, which may or may not be the file
// that triggered this run.
func coalesce(candidates []loggedFile) (loggedFile, []string, error) {
	newest := candidates[0]
	for _, c := range candidates[1:] {
		if c.effectiveTime().After(newest.effectiveTime()) {
			newest = c
		}
	}

	var deleted []string
	var firstErr error
	for _, c := range candidates {
		if c.path == newest.path {
			continue
		}
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted = append(deleted, c.path)
	}
	return newest, deleted, firstErr
}
