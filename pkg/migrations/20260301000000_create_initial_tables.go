package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(ctx context.Context, db *bun.DB) error {
		_, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS imports (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				filename TEXT NOT NULL,
				book_id INTEGER,
				backed_up BOOLEAN NOT NULL DEFAULT 0,
				duplicate BOOLEAN NOT NULL DEFAULT 0,
				skipped BOOLEAN NOT NULL DEFAULT 0,
				skipped_as TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS conversions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				filename TEXT NOT NULL,
				source_format TEXT NOT NULL,
				target_format TEXT NOT NULL,
				backed_up BOOLEAN NOT NULL DEFAULT 0
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS enforcements (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				book_id INTEGER NOT NULL,
				title TEXT NOT NULL,
				authors TEXT NOT NULL,
				file_path TEXT NOT NULL,
				trigger TEXT NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS epub_fixes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				filename TEXT NOT NULL,
				manually_triggered BOOLEAN NOT NULL DEFAULT 0,
				fix_count INTEGER NOT NULL DEFAULT 0,
				fixes_applied TEXT NOT NULL DEFAULT '[]',
				path TEXT NOT NULL,
				backed_up BOOLEAN NOT NULL DEFAULT 0
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS user_activity (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				user_id INTEGER,
				event TEXT NOT NULL,
				detail TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS settings (
				id INTEGER PRIMARY KEY,
				updated_at TIMESTAMP NOT NULL,
				auto_backup_imports BOOLEAN NOT NULL DEFAULT 1,
				auto_backup_conversions BOOLEAN NOT NULL DEFAULT 1,
				auto_backup_epub_fixes BOOLEAN NOT NULL DEFAULT 1,
				auto_zip_backups BOOLEAN NOT NULL DEFAULT 0,
				auto_convert BOOLEAN NOT NULL DEFAULT 1,
				auto_convert_target_format TEXT NOT NULL DEFAULT 'epub',
				auto_convert_ignored_formats TEXT NOT NULL DEFAULT '[]',
				auto_ingest_ignored_formats TEXT NOT NULL DEFAULT '[]',
				auto_convert_retained_formats TEXT NOT NULL DEFAULT '[]',
				auto_ingest_automerge TEXT NOT NULL DEFAULT 'new_record',
				ingest_timeout_minutes INTEGER NOT NULL DEFAULT 60,
				auto_metadata_enforcement BOOLEAN NOT NULL DEFAULT 1,
				kindle_epub_fixer BOOLEAN NOT NULL DEFAULT 0,
				duplicate_detection_title BOOLEAN NOT NULL DEFAULT 1,
				duplicate_detection_author BOOLEAN NOT NULL DEFAULT 1,
				duplicate_detection_language BOOLEAN NOT NULL DEFAULT 0,
				duplicate_detection_series BOOLEAN NOT NULL DEFAULT 0,
				duplicate_detection_publisher BOOLEAN NOT NULL DEFAULT 0,
				duplicate_detection_format BOOLEAN NOT NULL DEFAULT 0,
				metadata_provider_hierarchy TEXT NOT NULL DEFAULT '[]',
				metadata_provider_enabled BOOLEAN NOT NULL DEFAULT 1,
				auto_send_delay_minutes INTEGER NOT NULL DEFAULT 5
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS scheduled_jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMP NOT NULL,
				run_at TIMESTAMP NOT NULL,
				type TEXT NOT NULL,
				state TEXT NOT NULL DEFAULT 'scheduled',
				data TEXT NOT NULL DEFAULT '{}',
				external_scheduler_id TEXT,
				last_error TEXT,
				process_id TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_state_run_at
			ON scheduled_jobs (state, run_at)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS job_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMP NOT NULL,
				job_id INTEGER NOT NULL,
				level TEXT NOT NULL,
				message TEXT NOT NULL,
				data TEXT,
				stack_trace TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.ExecContext(ctx, `
			CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs (job_id)
		`)
		return errors.WithStack(err)
	}

	down := func(ctx context.Context, db *bun.DB) error {
		tables := []string{
			"job_logs", "scheduled_jobs", "settings", "user_activity",
			"epub_fixes", "enforcements", "conversions", "imports",
		}
		for _, t := range tables {
			if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
