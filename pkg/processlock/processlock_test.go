package processlock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, time.Hour)
	require.NoError(t, err)

	h, err := l.Acquire(context.Background(), "ingest:global", time.Second)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "ingest:global.lock"))

	require.NoError(t, l.Release(h))
	require.NoFileExists(t, filepath.Join(dir, "ingest:global.lock"))
}

func TestAcquireBusy(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, time.Hour)
	require.NoError(t, err)

	h, err := l.Acquire(context.Background(), "n", time.Second)
	require.NoError(t, err)
	defer l.Release(h) //nolint:errcheck

	_, err = l.Acquire(context.Background(), "n", 100*time.Millisecond)
	require.Error(t, err)
}

// TestStaleReclaim simulates a crashed holder: a lock file exists with a
// timestamp older than the staleness bound but no live flock on it (as
// would happen after a process is killed without running deferred
// Release code on some platforms, or after a crash wipes the flock but
// leaves the plain file, e.g. over a network share). The next acquirer
// must succeed within one staleness window, per §4.B's invariant.
func TestStaleReclaim(t *testing.T) {
	dir := t.TempDir()
	staleTimeout := 50 * time.Millisecond
	l, err := New(dir, staleTimeout)
	require.NoError(t, err)

	path := filepath.Join(dir, "ingest:abc.lock")
	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	require.NoError(t, os.WriteFile(path, []byte("dead-process\n"+old+"\n"), 0o644))

	h, err := l.Acquire(context.Background(), "ingest:abc", time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(h))
}

func TestReleaseDoesNotClobberReclaimedLock(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, time.Millisecond)
	require.NoError(t, err)

	h1, err := l.Acquire(context.Background(), "n", time.Second)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// Another locker (simulating a second process) reclaims the stale lock.
	l2, err := New(dir, time.Millisecond)
	require.NoError(t, err)
	h2, err := l2.Acquire(context.Background(), "n", time.Second)
	require.NoError(t, err)

	// The original holder's release must not remove the new holder's file.
	require.NoError(t, l.Release(h1))
	require.FileExists(t, filepath.Join(dir, "n.lock"))

	require.NoError(t, l2.Release(h2))
}
