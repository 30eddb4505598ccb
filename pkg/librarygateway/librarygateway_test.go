package librarygateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCalibredb writes a tiny shell script that stands in for calibredb,
// emitting whatever this test needs on stdout regardless of arguments.
func fakeCalibredb(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "calibredb")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestAddParsesIDs(t *testing.T) {
	bin := fakeCalibredb(t, `echo "Added book ids: 12, 13"`)
	g := New(bin, t.TempDir(), time.Second)

	ids, err := g.Add(context.Background(), []string{"a.epub", "b.epub"}, "overwrite")
	require.NoError(t, err)
	require.Equal(t, []int{12, 13}, ids)
}

func TestListParsesJSON(t *testing.T) {
	bin := fakeCalibredb(t, `echo '[{"id":1,"title":"Foo","authors":["A"],"formats":["EPUB"]}]'`)
	g := New(bin, t.TempDir(), time.Second)

	records, err := g.List(context.Background(), []string{"title", "authors", "formats"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Foo", records[0].Title)
}

func TestGetFormatsNotFound(t *testing.T) {
	bin := fakeCalibredb(t, `echo '[]'`)
	g := New(bin, t.TempDir(), time.Second)

	_, err := g.GetFormats(context.Background(), 999)
	require.Error(t, err)
}

func TestExecNonZeroExit(t *testing.T) {
	bin := fakeCalibredb(t, `echo "boom" 1>&2; exit 1`)
	g := New(bin, t.TempDir(), time.Second)

	_, err := g.Add(context.Background(), []string{"a.epub"}, "")
	require.Error(t, err)
}

func TestMissingBinary(t *testing.T) {
	g := New("", t.TempDir(), time.Second)
	_, err := g.Add(context.Background(), []string{"a.epub"}, "")
	require.Error(t, err)
}

func TestAddFormatAndSetMetadata(t *testing.T) {
	bin := fakeCalibredb(t, `exit 0`)
	g := New(bin, t.TempDir(), time.Second)

	require.NoError(t, g.AddFormat(context.Background(), 1, "a.azw3"))
	require.NoError(t, g.SetMetadata(context.Background(), 1, map[string]string{"title": "New Title"}))
}
