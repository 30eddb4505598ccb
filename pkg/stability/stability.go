// Package stability decides when a file newly observed in the intake
// directory has finished being written, so the ingest pipeline never
// picks up a partial upload. It is deliberately built on the standard
// library alone: file-size polling is a tight loop around os.Stat with
// no parsing, wire format, or external protocol involved, so none of
// the third-party libraries used elsewhere in this module (HTTP
// clients, codecs, database drivers) have any part to play here.
package stability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// defaultTempSuffixes are extensions used by common upload/sync clients
// for in-progress transfers; files bearing them are never considered
// stable candidates until renamed away from the suffix.
var defaultTempSuffixes = map[string]struct{}{
	".tmp":        {},
	".part":       {},
	".crdownload": {},
	".download":   {},
	".temp":       {},
}

// IsTempName reports whether name carries one of the excluded
// in-progress-transfer suffixes.
func IsTempName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	_, excluded := defaultTempSuffixes[ext]
	return excluded
}

// Checker polls a file's size at a fixed interval and reports stable
// once it has observed the same size across consecutive reads.
type Checker struct {
	interval        time.Duration
	requiredSamples int
}

// New returns a Checker requiring requiredSamples consecutive readings
// at the given interval to agree before a file is declared stable. The
// spec's default is 3 readings at a 1 second interval.
func New(interval time.Duration, requiredSamples int) *Checker {
	if requiredSamples < 1 {
		requiredSamples = 1
	}
	return &Checker{interval: interval, requiredSamples: requiredSamples}
}

// Wait blocks until path's size has stopped changing across
// requiredSamples consecutive polls, or ctx is cancelled, or the file
// disappears (os.ErrNotExist is returned in that case).
func (c *Checker) Wait(ctx context.Context, path string) error {
	var lastSize int64 = -1
	matched := 0

	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}

		size := info.Size()
		if size == lastSize {
			matched++
		} else {
			matched = 1
			lastSize = size
		}

		if matched >= c.requiredSamples {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.interval):
		}
	}
}

// IsOpen refines a stability verdict by checking whether any process
// still has the file open, on platforms where that can be determined
// cheaply (Linux, via /proc/*/fd). It returns false, nil whenever the
// check cannot be performed so callers always fall back to the pure
// size-based verdict rather than blocking on an unsupported platform.
func IsOpen(path string) (bool, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, nil
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fdDir := filepath.Join("/proc", e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if target == abs {
				return true, nil
			}
		}
	}
	return false, nil
}
