package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/crocodilestick/cwa-core/pkg/models"
)

// AddImportOptions carries the optional fields of an Import audit row.
type AddImportOptions struct {
	BookID    *int
	BackedUp  bool
	Duplicate bool
	Skipped   bool
	SkippedAs *string
}

// AddImport appends an Import audit record. The timestamp is always
// server-side.
func (s *Store) AddImport(ctx context.Context, filename string, opts AddImportOptions) (*models.Import, error) {
	rec := &models.Import{
		Timestamp: time.Now(),
		Filename:  filename,
		BookID:    opts.BookID,
		BackedUp:  opts.BackedUp,
		Duplicate: opts.Duplicate,
		Skipped:   opts.Skipped,
		SkippedAs: opts.SkippedAs,
	}

	_, err := s.db.NewInsert().Model(rec).Returning("*").Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rec, nil
}

// AddConversion appends a Conversion audit record.
func (s *Store) AddConversion(ctx context.Context, filename, sourceFormat, targetFormat string, backedUp bool) (*models.Conversion, error) {
	rec := &models.Conversion{
		Timestamp:    time.Now(),
		Filename:     filename,
		SourceFormat: sourceFormat,
		TargetFormat: targetFormat,
		BackedUp:     backedUp,
	}

	_, err := s.db.NewInsert().Model(rec).Returning("*").Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rec, nil
}

// AddEnforcement appends an Enforcement audit record, one per coalesced
// burst of metadata-change events.
func (s *Store) AddEnforcement(ctx context.Context, bookID int, title, authors, filePath, trigger string) (*models.Enforcement, error) {
	rec := &models.Enforcement{
		Timestamp: time.Now(),
		BookID:    bookID,
		Title:     title,
		Authors:   authors,
		FilePath:  filePath,
		Trigger:   trigger,
	}

	_, err := s.db.NewInsert().Model(rec).Returning("*").Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rec, nil
}

// AddEpubFix appends an EpubFix audit record.
func (s *Store) AddEpubFix(ctx context.Context, rec *models.EpubFix) (*models.EpubFix, error) {
	rec.Timestamp = time.Now()

	_, err := s.db.NewInsert().Model(rec).Returning("*").Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rec, nil
}

// AddUserActivity appends to the append-only statistics event log.
func (s *Store) AddUserActivity(ctx context.Context, event string, userID *int, detail *string) error {
	rec := &models.UserActivity{
		Timestamp: time.Now(),
		UserID:    userID,
		Event:     event,
		Detail:    detail,
	}

	_, err := s.db.NewInsert().Model(rec).Exec(ctx)
	return errors.WithStack(err)
}

// FindCompletedImport looks up the most recent non-skipped Import
// audit row for filename, used by the ingest processor's idempotent
// re-entry check: a crash between a completed library import and the
// intake file's own cleanup must not import the same file twice when
// the processor is re-run against the same path.
func (s *Store) FindCompletedImport(ctx context.Context, filename string) (*models.Import, bool, error) {
	rec := &models.Import{}
	err := s.db.NewSelect().
		Model(rec).
		Where("filename = ?", filename).
		Where("skipped = ?", false).
		Where("book_id IS NOT NULL").
		Order("id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.WithStack(err)
	}
	return rec, true, nil
}

// Totals is the result of stat_totals(): counts per table plus derived
// aggregates.
type Totals struct {
	Imports        int `json:"imports"`
	Conversions    int `json:"conversions"`
	Enforcements   int `json:"enforcements"`
	EpubFixes      int `json:"epub_fixes"`
	ScheduledJobs  int `json:"scheduled_jobs"`
	PendingJobs    int `json:"pending_jobs"`
}

// StatTotals returns counts per table plus derived aggregates.
func (s *Store) StatTotals(ctx context.Context) (*Totals, error) {
	t := &Totals{}

	var err error
	if t.Imports, err = s.db.NewSelect().Model((*models.Import)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if t.Conversions, err = s.db.NewSelect().Model((*models.Conversion)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if t.Enforcements, err = s.db.NewSelect().Model((*models.Enforcement)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if t.EpubFixes, err = s.db.NewSelect().Model((*models.EpubFix)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if t.ScheduledJobs, err = s.db.NewSelect().Model((*models.ScheduledJob)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if t.PendingJobs, err = s.db.NewSelect().
		Model((*models.ScheduledJob)(nil)).
		Where("state = ?", models.JobStateScheduled).
		Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}

	return t, nil
}
