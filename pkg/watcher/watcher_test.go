package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectMode(t *testing.T) {
	w := &Watcher{}

	w.opts = Options{NetworkShareMode: true}
	assert.Equal(t, ModePoll, w.selectMode(), "network-share mode always forces polling (§4.C)")

	w.opts = Options{Mode: ModePoll}
	assert.Equal(t, ModePoll, w.selectMode(), "an explicit poll override is honored")

	w.opts = Options{Mode: ModeInotify}
	assert.Equal(t, ModeInotify, w.selectMode(), "an explicit inotify override is honored regardless of host")
}

// TestPollingMode_EmitsCreateAndModify exercises the polling fallback
// end to end: a fresh file emits "create", and a later size change to
// the same path emits "modify".
func TestPollingMode_EmitsCreateAndModify(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, Options{Mode: ModePoll, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(w.Close)

	path := filepath.Join(dir, "alice.epub")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	ev := waitForEvent(t, w, path)
	assert.Equal(t, "create", ev.Event)

	// Force a distinct mtime even on filesystems with coarse mtime
	// resolution, so the poll loop's (size, mtime) key reliably changes.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("one-plus-more"), 0o644))

	ev = waitForEvent(t, w, path)
	assert.Equal(t, "modify", ev.Event)
}

func TestPollingMode_IgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir"), 0o755))

	w, err := New(dir, Options{Mode: ModePoll, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(w.Close)

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for a directory-only tree: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, Options{Mode: ModePoll, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		w.Close()
		w.Close()
	})
}

func waitForEvent(t *testing.T, w *Watcher, wantPath string) FileReady {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == wantPath {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for an event on %s", wantPath)
		}
	}
}
