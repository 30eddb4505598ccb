package fileutils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackupName(t *testing.T) {
	at := time.Date(2026, 7, 29, 13, 4, 5, 0, time.UTC)
	require.Equal(t, "20260729_130405_book.epub", BackupName("book.epub", at))
}

func TestFailedName(t *testing.T) {
	at := time.Date(2026, 7, 29, 13, 4, 5, 0, time.UTC)
	require.Equal(t, "20260729_130405_safety_timeout_book.epub", FailedName("book.epub", "safety timeout", at))
}

func TestMonthBucket(t *testing.T) {
	at := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "2026-07", MonthBucket(at))
}

func TestSafeMoveSameDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.epub")
	dst := filepath.Join(dir, "sub", "dst.epub")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, SafeMove(src, dst))
	require.NoFileExists(t, src)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestSafeCopyPreservesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.epub")
	dst := filepath.Join(dir, "backups", "dst.epub")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, SafeCopy(src, dst))
	require.FileExists(t, src)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
	require.NoFileExists(t, dst+".partial")
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	unique := UniquePath(path)
	require.Equal(t, filepath.Join(dir, "book (1).epub"), unique)
}

func TestUniquePathNoCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.epub")
	require.Equal(t, path, UniquePath(path))
}

func TestCleanupEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, ".DS_Store"), []byte{}, 0o644))

	removed, err := CleanupEmptyDirectory(sub, ".DS_Store")
	require.NoError(t, err)
	require.True(t, removed)
	require.NoDirExists(t, sub)
}

func TestCleanupEmptyDirectoryNotEmpty(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "book.epub"), []byte{}, 0o644))

	removed, err := CleanupEmptyDirectory(sub)
	require.NoError(t, err)
	require.False(t, removed)
	require.DirExists(t, sub)
}

func TestCleanupEmptyParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	require.NoError(t, CleanupEmptyParentDirectories(nested, dir))
	require.NoDirExists(t, filepath.Join(dir, "a"))
	require.DirExists(t, dir)
}
