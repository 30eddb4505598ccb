package sidecar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStagedCoverPath(t *testing.T) {
	got := StagedCoverPath("/var/lib/cwa/enforce-log", 42, "png")
	require.Equal(t, "/var/lib/cwa/enforce-log/covers/42.png", got)
}

func TestStagedCoverPathDefaultExt(t *testing.T) {
	got := StagedCoverPath("/var/lib/cwa/enforce-log", 42, "")
	require.Equal(t, "/var/lib/cwa/enforce-log/covers/42.jpg", got)
}

func TestExistsAndRead(t *testing.T) {
	dir := t.TempDir()
	coverDir := filepath.Join(dir, coversSubdir)
	require.NoError(t, os.MkdirAll(coverDir, 0o755))
	path := filepath.Join(coverDir, "7.jpg")
	require.NoError(t, os.WriteFile(path, []byte("fake-image-bytes"), 0o644))

	require.True(t, Exists(path))

	data, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, "fake-image-bytes", string(data))
}

func TestExistsMissing(t *testing.T) {
	dir := t.TempDir()
	require.False(t, Exists(StagedCoverPath(dir, 1, "jpg")))
}

func TestRemoveIdempotent(t *testing.T) {
	dir := t.TempDir()
	coverDir := filepath.Join(dir, coversSubdir)
	require.NoError(t, os.MkdirAll(coverDir, 0o755))
	path := filepath.Join(coverDir, "3.png")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, Remove(path))
	require.False(t, Exists(path))
	// Removing again must not error.
	require.NoError(t, Remove(path))
}
