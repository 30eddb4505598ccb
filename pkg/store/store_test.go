package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocodilestick/cwa-core/pkg/config"
	"github.com/crocodilestick/cwa-core/pkg/database"
	"github.com/crocodilestick/cwa-core/pkg/migrations"
	"github.com/crocodilestick/cwa-core/pkg/models"
)

func newTestDB(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	cfg := config.NewForTest(dir)
	cfg.DatabaseFilePath = filepath.Join(dir, "cwa.db")

	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	return New(db)
}

func TestGetSettings_SeedsDefaultsOnFirstAccess(t *testing.T) {
	st := newTestDB(t)

	settings, err := st.GetSettings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.SettingsID, settings.ID)
	assert.True(t, settings.AutoBackupImports)
	assert.Equal(t, "epub", settings.AutoConvertTargetFormat)
	assert.Equal(t, models.AutomergeNewRecord, settings.AutoIngestAutomerge)
	assert.Equal(t, 60, settings.IngestTimeoutMinutes)

	again, err := st.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, settings.UpdatedAt, again.UpdatedAt, "second call must not reseed the singleton row")
}

// TestSettings_RoundTrip covers §8's "Settings round-trip":
// get_settings() followed by update_settings(get_settings()) must leave
// the DB unchanged for every column the patch actually names.
func TestSettings_RoundTrip(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	before, err := st.GetSettings(ctx)
	require.NoError(t, err)

	columns := []string{
		"auto_backup_imports", "auto_backup_conversions", "auto_backup_epub_fixes",
		"auto_zip_backups", "auto_convert", "auto_convert_target_format",
		"auto_convert_ignored_formats", "auto_ingest_ignored_formats",
		"auto_convert_retained_formats", "auto_ingest_automerge",
		"ingest_timeout_minutes", "auto_metadata_enforcement", "kindle_epub_fixer",
		"duplicate_detection_title", "duplicate_detection_author",
		"duplicate_detection_language", "duplicate_detection_series",
		"duplicate_detection_publisher", "duplicate_detection_format",
		"metadata_provider_hierarchy", "metadata_provider_enabled",
		"auto_send_delay_minutes",
	}

	require.NoError(t, st.UpdateSettings(ctx, before, UpdateSettingsOptions{Columns: columns}))

	after, err := st.GetSettings(ctx)
	require.NoError(t, err)

	assert.Equal(t, before.AutoBackupImports, after.AutoBackupImports)
	assert.Equal(t, before.AutoConvertTargetFormat, after.AutoConvertTargetFormat)
	assert.Equal(t, before.AutoIngestAutomerge, after.AutoIngestAutomerge)
	assert.Equal(t, before.IngestTimeoutMinutes, after.IngestTimeoutMinutes)
	assert.Equal(t, before.DuplicateDetectionTitle, after.DuplicateDetectionTitle)
	assert.Equal(t, before.AutoSendDelayMinutes, after.AutoSendDelayMinutes)
}

func TestUpdateSettings_RejectsInvalidPatch(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	patch, err := st.GetSettings(ctx)
	require.NoError(t, err)
	patch.AutoIngestAutomerge = "not_a_real_mode"

	err = st.UpdateSettings(ctx, patch, UpdateSettingsOptions{Columns: []string{"auto_ingest_automerge"}})
	require.Error(t, err)

	after, err := st.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AutomergeNewRecord, after.AutoIngestAutomerge, "rejected patch must not be partially applied")
}

func TestUpdateSettings_TrimsAndDedupesFormatSlices(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	patch, err := st.GetSettings(ctx)
	require.NoError(t, err)
	patch.AutoConvertIgnoredFormats = []string{" epub", "epub ", "mobi"}

	require.NoError(t, st.UpdateSettings(ctx, patch, UpdateSettingsOptions{Columns: []string{"auto_convert_ignored_formats"}}))

	after, err := st.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"epub", "mobi"}, after.AutoConvertIgnoredFormats)
}

func TestUpdateSettings_NoColumnsIsNoOp(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	before, err := st.GetSettings(ctx)
	require.NoError(t, err)

	require.NoError(t, st.UpdateSettings(ctx, before, UpdateSettingsOptions{}))

	after, err := st.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestAuditTrail_RecordsEachKind(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	bookID := 42
	_, err := st.AddImport(ctx, "alice.epub", AddImportOptions{BookID: &bookID, BackedUp: true})
	require.NoError(t, err)

	_, err = st.AddConversion(ctx, "alice.mobi", "mobi", "epub", true)
	require.NoError(t, err)

	_, err = st.AddEnforcement(ctx, bookID, "Alice in Wonderland", "Lewis Carroll", "/library/alice.epub", models.EnforcementTriggerLog)
	require.NoError(t, err)

	_, err = st.AddEpubFix(ctx, &models.EpubFix{
		Filename:     "alice.epub",
		FixCount:     2,
		FixesApplied: `["language-tag","cover-margin"]`,
		Path:         "/library/alice.epub",
	})
	require.NoError(t, err)

	totals, err := st.StatTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Imports)
	assert.Equal(t, 1, totals.Conversions)
	assert.Equal(t, 1, totals.Enforcements)
	assert.Equal(t, 1, totals.EpubFixes)
}

func TestFindCompletedImport(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	_, found, err := st.FindCompletedImport(ctx, "alice.epub")
	require.NoError(t, err)
	assert.False(t, found)

	skippedAs := "ignored_format"
	_, err = st.AddImport(ctx, "alice.epub", AddImportOptions{Skipped: true, SkippedAs: &skippedAs})
	require.NoError(t, err)

	_, found, err = st.FindCompletedImport(ctx, "alice.epub")
	require.NoError(t, err)
	assert.False(t, found, "a skipped row must not count as a completed import")

	bookID := 7
	_, err = st.AddImport(ctx, "alice.epub", AddImportOptions{BookID: &bookID})
	require.NoError(t, err)

	rec, found, err := st.FindCompletedImport(ctx, "alice.epub")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bookID, *rec.BookID)
}

func TestScheduledJobLifecycle(t *testing.T) {
	st := newTestDB(t)
	ctx := context.Background()

	job, err := st.InsertScheduledJob(ctx, models.JobTypeAutoSend, models.AutoSendPayload{BookID: 1, UserID: 2, Title: "Alice"}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.JobStateScheduled, job.State)

	ok, err := st.MarkDispatched(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.MarkDispatched(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a second claim of an already-dispatched row must fail")

	ok, err = st.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cancelling an already-dispatched row must fail")
}
