package stability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsTempName(t *testing.T) {
	require.True(t, IsTempName("book.epub.part"))
	require.True(t, IsTempName("book.epub.crdownload"))
	require.True(t, IsTempName("UPLOAD.TMP"))
	require.False(t, IsTempName("book.epub"))
}

func TestWaitStableImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	c := New(10*time.Millisecond, 3)
	err := c.Wait(context.Background(), path)
	require.NoError(t, err)
}

func TestWaitStableAfterGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	c := New(5*time.Millisecond, 3)
	done := make(chan error, 1)
	go func() {
		done <- c.Wait(context.Background(), path)
	}()

	time.Sleep(7 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("abcdefgh"), 0o644))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stability")
	}
}

func TestWaitMissingFile(t *testing.T) {
	dir := t.TempDir()
	c := New(5*time.Millisecond, 3)
	err := c.Wait(context.Background(), filepath.Join(dir, "missing.epub"))
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestWaitCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(time.Hour, 3)
	err := c.Wait(ctx, path)
	require.ErrorIs(t, err, context.Canceled)
}
