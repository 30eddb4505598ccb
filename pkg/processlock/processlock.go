// Package processlock implements a named, holder-tagged, stale-detecting
// mutual-exclusion primitive backed by a file, so independent OS
// processes on one host (the intake loop, the enforcement loop, the
// scheduler) can cooperate without stepping on each other's work.
package processlock

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/crocodilestick/cwa-core/pkg/errcodes"
)

// Locker hands out named locks rooted at a single lock directory.
type Locker struct {
	dir          string
	staleTimeout time.Duration
	processTag   string
}

// New returns a Locker rooted at dir. staleTimeout is the age beyond
// which a recorded holder is presumed dead (spec default: 2x
// ingest_timeout_minutes). processTag identifies this process in lock
// files; it need not be a real PID (containers routinely share PID 1
// across independent processes), so it is a random identifier minted
// once per process, consistent with how scheduler jobs mark their
// process_id.
func New(dir string, staleTimeout time.Duration) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create lock directory %s", dir)
	}
	tag, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Locker{dir: dir, staleTimeout: staleTimeout, processTag: tag.String()}, nil
}

// Handle is a held lock; the caller owning it must Release it.
type Handle struct {
	name string
	path string
	tag  string
	fl   *flock.Flock
}

const backoffBase = 50 * time.Millisecond
const backoffCap = 2 * time.Second

// Acquire blocks (with bounded exponential backoff) until the named
// lock is obtained or timeout elapses. A lock file left behind by a
// crashed holder is reclaimed once its recorded timestamp exceeds the
// Locker's staleTimeout, without waiting for the full timeout.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Handle, error) {
	path := filepath.Join(l.dir, name+".lock")
	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		fl := flock.New(path)
		locked, err := fl.TryLock()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to try-lock %s", path)
		}
		if locked {
			if err := writeHolder(path, l.processTag); err != nil {
				_ = fl.Unlock()
				return nil, err
			}
			return &Handle{name: name, path: path, tag: l.processTag, fl: fl}, nil
		}

		// Someone else appears to hold it (or held it and crashed). Check
		// whether the recorded holder is stale; if so, reclaim immediately
		// rather than waiting out the full timeout.
		if stale, reclaimErr := l.isStale(path); reclaimErr == nil && stale {
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, errcodes.Busy(fmt.Sprintf("lock %q", name))
		}

		delay := backoff(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Release returns the lock, unlinking the file only if it still
// records this handle's holder identifier (so a racing reclaim by
// another process is never clobbered).
func (l *Locker) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	defer h.fl.Unlock() //nolint:errcheck

	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WithStack(err)
	}
	tag, _ := parseHolder(string(data))
	if tag != h.tag {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

// isStale reports whether the lock file at path records a holder
// whose timestamp is older than the configured staleness bound.
func (l *Locker) isStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}
	_, ts, err := parseHolderFull(string(data))
	if err != nil {
		// Unparseable content: treat conservatively as not stale yet,
		// rather than reclaiming on a guess.
		return false, nil
	}
	return time.Since(ts) > l.staleTimeout, nil
}

func writeHolder(path, tag string) error {
	content := tag + "\n" + time.Now().UTC().Format(time.RFC3339Nano) + "\n"
	return errors.WithStack(os.WriteFile(path, []byte(content), 0o644))
}

func parseHolder(content string) (string, error) {
	tag, _, err := parseHolderFull(content)
	return tag, err
}

func parseHolderFull(content string) (tag string, ts time.Time, err error) {
	lines := strings.SplitN(strings.TrimSpace(content), "\n", 2)
	if len(lines) < 2 {
		return "", time.Time{}, errors.New("malformed lock file")
	}
	ts, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(lines[1]))
	if err != nil {
		return "", time.Time{}, errors.WithStack(err)
	}
	return strings.TrimSpace(lines[0]), ts, nil
}

func backoff(attempt int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempt))
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d/4 + 1)))
	return d + jitter
}

// NameForPath returns the deterministic lock name for an intake file's
// absolute path, matching the "ingest:{abs-path}" convention in §4.E.
func NameForPath(absPath string) string {
	return "ingest:" + absPath
}

// GlobalIngestLock is the name of the lock that caps intake concurrency
// at 1, matching the underlying library tool's own single-writer
// assumption. Acquired per-run by Processor.Process, on top of the
// per-path lock from NameForPath.
const GlobalIngestLock = "ingest:global"

// IngestSingletonLock is the name of the lock a cwa-ingest process
// holds for its entire lifetime to refuse a second concurrent
// invocation (§6, §12 "Single instance per host"). It is a distinct
// lock name from GlobalIngestLock: flock(2) locks conflict across
// distinct open file descriptions even within the same process, so a
// lock held for the process's lifetime and one re-acquired per run
// must never share a name or the per-run acquire can never succeed.
const IngestSingletonLock = "ingest:singleton"

// EnforceName returns the lock name for a book's enforcement queue.
func EnforceName(bookID int) string {
	return "enforce:" + strconv.Itoa(bookID)
}
