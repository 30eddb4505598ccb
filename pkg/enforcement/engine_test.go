package enforcement

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crocodilestick/cwa-core/pkg/config"
	"github.com/crocodilestick/cwa-core/pkg/database"
	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/migrations"
	"github.com/crocodilestick/cwa-core/pkg/processlock"
	"github.com/crocodilestick/cwa-core/pkg/store"
	"github.com/crocodilestick/cwa-core/pkg/toolgateway"
)

type testHarness struct {
	cfg *config.Config
	st  *store.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dir := t.TempDir()
	cfg := config.NewForTest(dir)
	cfg.DatabaseFilePath = filepath.Join(dir, "cwa.db")
	require.NoError(t, os.MkdirAll(cfg.EnforcementLogDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.LibraryDir, 0o755))

	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	return &testHarness{cfg: cfg, st: store.New(db)}
}

// fakeCalibredb writes a shell script standing in for calibredb that
// always answers `list` with listJSON, mirroring the ingest package's
// fake-binary idiom.
func fakeCalibredb(t *testing.T, listJSON string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "calibredb")
	script := fmt.Sprintf("#!/bin/sh\ncase \"$1\" in\n  list)\n    cat <<'EOF'\n%s\nEOF\n    ;;\nesac\n", listJSON)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// fakeEbookMeta writes a shell script standing in for ebook-meta that
// appends its full argument list to marker (one line per invocation),
// then exits with exitCode.
func fakeEbookMeta(t *testing.T, marker string, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ebook-meta")
	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %s\nexit %d\n", marker, exitCode)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func (h *testHarness) newEngine(t *testing.T, listJSON, marker string, metaExit int) *Engine {
	t.Helper()

	locks, err := processlock.New(h.cfg.LockDir, time.Hour)
	require.NoError(t, err)

	libBin := fakeCalibredb(t, listJSON)
	library := librarygateway.New(libBin, h.cfg.LibraryDir, 5*time.Second)

	metaBin := fakeEbookMeta(t, marker, metaExit)
	tools := toolgateway.New("/bin/true", metaBin, "/bin/true", "/bin/true", 5*time.Second)

	return New(h.cfg, h.st, locks, library, tools)
}

func (h *testHarness) writeLog(t *testing.T, name string, lines map[string]string) string {
	t.Helper()
	path := filepath.Join(h.cfg.EnforcementLogDir, name)
	var content string
	for k, v := range lines {
		content += k + "=" + v + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHandleLogFileTitleChangeAppliesAndAudits(t *testing.T) {
	h := newTestHarness(t)
	marker := filepath.Join(t.TempDir(), "calls")

	listJSON := `[{"id":42,"title":"Old Title","authors":["Ann Author"],"formats":["/lib/42/book.epub"]}]`
	e := h.newEngine(t, listJSON, marker, 0)

	logPath := h.writeLog(t, "1.log", map[string]string{
		"book_id":   "42",
		"title":     "New Title",
		"authors":   "Ann Author",
		"timestamp": "2024-01-01T00:00:00Z",
	})

	require.NoError(t, e.HandleLogFile(context.Background(), logPath))

	_, err := os.Stat(logPath)
	require.True(t, os.IsNotExist(err), "log should be consumed")

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Contains(t, string(data), "--title New Title")

	count, err := h.st.DB().NewSelect().Table("enforcements").Where("book_id = ?", 42).Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestHandleLogFileCoalescesRapidBurst(t *testing.T) {
	h := newTestHarness(t)
	marker := filepath.Join(t.TempDir(), "calls")

	listJSON := `[{"id":7,"title":"Title1","authors":["Ann Author"],"formats":["/lib/7/book.epub"]}]`
	e := h.newEngine(t, listJSON, marker, 0)

	var paths []string
	for i := 2; i <= 6; i++ {
		p := h.writeLog(t, fmt.Sprintf("%d.log", i), map[string]string{
			"book_id":   "7",
			"title":     fmt.Sprintf("Title%d", i),
			"timestamp": fmt.Sprintf("2024-01-01T00:00:0%dZ", i-2),
		})
		paths = append(paths, p)
	}

	for _, p := range paths {
		require.NoError(t, e.HandleLogFile(context.Background(), p))
	}

	for _, p := range paths {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), "all coalesced logs should be gone: %s", p)
	}

	count, err := h.st.DB().NewSelect().Table("enforcements").Where("book_id = ?", 7).Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count, "a rapid burst must coalesce into a single audit row")

	var title string
	require.NoError(t, h.st.DB().NewSelect().Table("enforcements").Column("title").Where("book_id = ?", 7).Scan(context.Background(), &title))
	require.Equal(t, "Title6", title, "the newest entry in the burst must win")
}

func TestHandleLogFileZeroDiffSkipsWriteButConsumesLog(t *testing.T) {
	h := newTestHarness(t)
	marker := filepath.Join(t.TempDir(), "calls")

	listJSON := `[{"id":3,"title":"Same Title","authors":["Ann Author"],"formats":["/lib/3/book.epub"]}]`
	e := h.newEngine(t, listJSON, marker, 0)

	logPath := h.writeLog(t, "1.log", map[string]string{
		"book_id":   "3",
		"title":     "Same Title",
		"authors":   "Ann Author",
		"timestamp": "2024-01-01T00:00:00Z",
	})

	require.NoError(t, e.HandleLogFile(context.Background(), logPath))

	_, err := os.Stat(logPath)
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(marker)
	require.True(t, os.IsNotExist(err), "ebook-meta must not be invoked when nothing changed")

	count, err := h.st.DB().NewSelect().Table("enforcements").Where("book_id = ?", 3).Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestHandleLogFileMissingStagedCoverStillAppliesFields(t *testing.T) {
	h := newTestHarness(t)
	marker := filepath.Join(t.TempDir(), "calls")

	listJSON := `[{"id":9,"title":"Old","authors":["Ann Author"],"formats":["/lib/9/book.epub"]}]`
	e := h.newEngine(t, listJSON, marker, 0)

	logPath := h.writeLog(t, "1.log", map[string]string{
		"book_id":    "9",
		"title":      "New",
		"cover_path": "covers/9.jpg",
		"timestamp":  "2024-01-01T00:00:00Z",
	})

	require.NoError(t, e.HandleLogFile(context.Background(), logPath))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Contains(t, string(data), "--title New")
	require.NotContains(t, string(data), "--cover", "a missing staged cover must not be passed to ebook-meta")

	count, err := h.st.DB().NewSelect().Table("enforcements").Where("book_id = ?", 9).Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestHandleLogFileFailureEventuallyMovesToEnforceFailed(t *testing.T) {
	h := newTestHarness(t)
	marker := filepath.Join(t.TempDir(), "calls")

	listJSON := `[{"id":11,"title":"Old","authors":["Ann Author"],"formats":["/lib/11/book.epub"]}]`
	e := h.newEngine(t, listJSON, marker, 1)
	e.maxFailures = 2

	logPath := h.writeLog(t, "1.log", map[string]string{
		"book_id":   "11",
		"title":     "New",
		"timestamp": "2024-01-01T00:00:00Z",
	})

	err := e.HandleLogFile(context.Background(), logPath)
	require.Error(t, err)
	entries, err := os.ReadDir(h.cfg.EnforcementLogDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), ".fail1")

	retryPath := filepath.Join(h.cfg.EnforcementLogDir, entries[0].Name())
	err = e.HandleLogFile(context.Background(), retryPath)
	require.Error(t, err)

	_, statErr := os.Stat(retryPath)
	require.True(t, os.IsNotExist(statErr), "exhausted log should be moved out of the watched directory")

	failedEntries, err := os.ReadDir(h.cfg.EnforcementFailDir)
	require.NoError(t, err)
	require.Len(t, failedEntries, 1)
	require.Contains(t, failedEntries[0].Name(), ".fail2")

	count, err := h.st.DB().NewSelect().Table("enforcements").Where("book_id = ?", 11).Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
