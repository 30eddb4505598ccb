// Package ingest implements the per-file ingest pipeline (component E):
// classify an intake file, convert it toward the library's target
// format when needed, import it through the library gateway, back up
// and clean up the original, and fan out post-import side effects.
// Every exported entry point is Process, invoked once per FileReady
// path from the watcher/stability pair (C, D).
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"

	"github.com/crocodilestick/cwa-core/pkg/config"
	"github.com/crocodilestick/cwa-core/pkg/errcodes"
	"github.com/crocodilestick/cwa-core/pkg/fileutils"
	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/metrics"
	"github.com/crocodilestick/cwa-core/pkg/models"
	"github.com/crocodilestick/cwa-core/pkg/processlock"
	"github.com/crocodilestick/cwa-core/pkg/stability"
	"github.com/crocodilestick/cwa-core/pkg/store"
	"github.com/crocodilestick/cwa-core/pkg/toolgateway"
)

// Recipient is one auto-send-enabled user, supplied by the caller:
// enumerating users and their auto-send preference belongs to the
// inherited web UI's schema, explicitly out of scope here (§1's
// Non-goals). Wiring code (cmd/cwa-ingest) is expected to read that
// schema (app.db, a read-mostly collaborator per §4.A) and pass the
// result through RecipientsFunc.
type Recipient struct {
	UserID   int
	Username string
}

// RecipientsFunc enumerates the users who should receive an auto-send
// job for a newly imported book. A nil func disables the auto-send
// fan-out step entirely.
type RecipientsFunc func(ctx context.Context) ([]Recipient, error)

// Processor runs the full per-file state machine described in §4.E.
type Processor struct {
	cfg     *config.Config
	store   *store.Store
	locks   *processlock.Locker
	library *librarygateway.Gateway
	tools   *toolgateway.Gateway
	detect  *stability.Checker
	status  *statusWriter
	log     logger.Logger

	// Recipients, when set, is consulted once per successful import to
	// schedule auto-send jobs (§4.E "Post-ingest fan-out").
	Recipients RecipientsFunc

	// OnImported, when set, is called after a successful import so a
	// collaborator can invalidate its own read cache ("refresh the
	// library-metadata reader's session", §4.E). Best-effort; errors
	// are logged, never propagated.
	OnImported func(ctx context.Context, bookID int)
}

// New builds a Processor wired against the given collaborators.
func New(cfg *config.Config, st *store.Store, locks *processlock.Locker, library *librarygateway.Gateway, tools *toolgateway.Gateway, detect *stability.Checker) *Processor {
	return &Processor{
		cfg:     cfg,
		store:   st,
		locks:   locks,
		library: library,
		tools:   tools,
		detect:  detect,
		status:  newStatusWriter(cfg.StatusDir),
		log:     logger.New().Data(logger.Data{"component": "ingest"}),
	}
}

// Process runs the full RECEIVED→...→terminal state machine for one
// intake path. It is safe to call more than once for the same path
// (e.g. a reprocessed retry-queue entry, or a restart after crash): the
// completed-import audit row lookup (store.FindCompletedImport) makes
// re-entry idempotent (§4.E).
func (p *Processor) Process(ctx context.Context, path string) error {
	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load settings")
	}

	budget := time.Duration(settings.IngestTimeoutMinutes) * time.Minute
	if budget <= 0 {
		budget = time.Duration(p.cfg.IngestTimeoutMinutes) * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	handle, err := p.locks.Acquire(runCtx, processlock.NameForPath(path), budget)
	if err != nil {
		return err
	}
	defer p.locks.Release(handle) //nolint:errcheck

	// The library tool (H) assumes it alone holds metadata.db for the
	// duration of a call; this second lock caps library-touching work
	// across every concurrently-running per-path pipeline at 1, on top
	// of librarygateway's own in-process mutex which only serializes
	// calls made by this one binary.
	globalHandle, err := p.locks.Acquire(runCtx, processlock.GlobalIngestLock, budget)
	if err != nil {
		return err
	}
	defer p.locks.Release(globalHandle) //nolint:errcheck

	err = p.run(runCtx, path, settings)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		// Our own budget elapsed (distinct from the 3x-budget external
		// safety-timeout harness, which forcibly kills the whole process
		// and writes safety_timeout itself — see statusWriter.safetyTimeout).
		return p.fail(ctx, path, "timeout", err)
	}
	return err
}

func (p *Processor) run(ctx context.Context, path string, settings *models.Settings) error {
	filename := filepath.Base(path)
	ext := extOf(path)

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		// Already consumed, most likely by a package primary's own run
		// racing ahead of this path's own watcher event, or by a prior
		// crashed run that completed the move/delete before dying.
		p.log.Debug("intake path no longer exists, nothing to do", logger.Data{"path": path})
		return nil
	}

	if prior, found, err := p.store.FindCompletedImport(ctx, filename); err == nil && found {
		p.log.Debug("intake file already imported, replaying cleanup only", logger.Data{"path": path, "book_id": prior.BookID})
		ignored := toSet(settings.AutoIngestIgnoredFormats)
		if pkg, pkgErr := discoverPackage(path, ignored); pkgErr == nil {
			if cleanupErr := p.removePackageFiles(path, pkg); cleanupErr != nil {
				p.log.Err(cleanupErr).Warn("failed to clean up already-imported intake files", logger.Data{"path": path})
			}
		} else if cleanupErr := p.removePath(path); cleanupErr != nil {
			p.log.Err(cleanupErr).Warn("failed to clean up already-imported intake file", logger.Data{"path": path})
		}
		p.status.completed(filename)
		return nil
	}

	if containsFold(settings.AutoIngestIgnoredFormats, ext) {
		skippedAs := "ignored_format"
		if _, auditErr := p.store.AddImport(ctx, filename, store.AddImportOptions{
			Skipped:   true,
			SkippedAs: &skippedAs,
		}); auditErr != nil {
			p.log.Err(auditErr).Warn("failed to record skipped-import audit row", logger.Data{"path": path})
		}
		return p.drop(path, skippedAs)
	}

	p.status.processing(filename)

	if err := p.detect.Wait(ctx, path); err != nil {
		return p.fail(ctx, path, "not_stable", err)
	}

	ignored := toSet(settings.AutoIngestIgnoredFormats)
	pkg, err := discoverPackage(path, ignored)
	if err != nil {
		return p.fail(ctx, path, "package_discovery_failed", err)
	}

	primary := pkg.primary()
	if primary.path != path {
		// A sibling fired its own watcher event; the primary's own run
		// (triggered by its own event, or already in flight) owns
		// consuming this package. Nothing to do here.
		p.log.Debug("skipping non-primary package member", logger.Data{"path": path, "primary": primary.path})
		p.status.idle()
		return nil
	}

	p.classify(path, ext)
	if ext == "pdf" {
		if err := validatePDF(path); err != nil {
			return p.fail(ctx, path, "invalid_pdf", err)
		}
	}

	importPath := path
	convertedFrom := ""

	needsConversion := settings.AutoConvert &&
		ext != strings.ToLower(settings.AutoConvertTargetFormat) &&
		!containsFold(settings.AutoConvertIgnoredFormats, ext)

	if needsConversion {
		if !IsRecognizedFormat(ext) {
			return p.fail(ctx, path, "unrecognized_format", errors.Errorf("extension %q is not in the conversion priority list", ext))
		}

		converted, convErr := p.convert(ctx, path, settings.AutoConvertTargetFormat)
		if convErr != nil {
			return p.fail(ctx, path, "conversion_failed", convErr)
		}
		importPath = converted
		convertedFrom = ext
		defer os.RemoveAll(filepath.Dir(importPath)) //nolint:errcheck

		if settings.AutoBackupConversions {
			if err := p.backupOriginal(path, "converted"); err != nil {
				p.log.Err(err).Warn("failed to back up pre-conversion original", logger.Data{"path": path})
			}
		}

		if _, convErr := p.store.AddConversion(ctx, filename, ext, settings.AutoConvertTargetFormat, settings.AutoBackupConversions); convErr != nil {
			p.log.Err(convErr).Warn("failed to record conversion audit row", logger.Data{"path": path})
		}
	}

	outcome, err := p.importPrimary(ctx, importPath, settings)
	if err != nil {
		return p.fail(ctx, path, "import_failed", err)
	}

	if outcome.dropped {
		if _, auditErr := p.store.AddImport(ctx, filename, store.AddImportOptions{
			Duplicate: true,
			Skipped:   true,
			SkippedAs: &outcome.droppedReason,
		}); auditErr != nil {
			p.log.Err(auditErr).Warn("failed to record skipped-import audit row", logger.Data{"path": path})
		}
		return p.drop(path, outcome.droppedReason)
	}

	if err := p.postImport(ctx, outcome.bookID, pkg, path, settings); err != nil {
		p.log.Err(err).Warn("post-import fan-out incomplete", logger.Data{"book_id": outcome.bookID})
	}

	if settings.KindleEpubFixer {
		p.runEpubFixer(ctx, outcome.bookID, settings)
	}

	duplicate := p.detectDuplicate(ctx, outcome.bookID, settings)

	backedUp := false
	if settings.AutoBackupImports && convertedFrom == "" {
		if err := p.backupOriginal(path, "imported"); err != nil {
			p.log.Err(err).Warn("failed to back up original before delete", logger.Data{"path": path})
		} else {
			backedUp = true
		}
	}

	bookID := outcome.bookID
	if _, err := p.store.AddImport(ctx, filename, store.AddImportOptions{
		BookID:    &bookID,
		BackedUp:  backedUp,
		Duplicate: duplicate,
	}); err != nil {
		p.log.Err(err).Warn("failed to record import audit row", logger.Data{"path": path})
	}

	if err := p.removePackageFiles(path, pkg); err != nil {
		p.log.Err(err).Warn("failed to clean up intake files after import", logger.Data{"path": path})
	}

	p.status.completed(filename)
	reason := "imported"
	if duplicate {
		reason = "imported_duplicate"
	}
	metrics.IngestOutcomes.WithLabelValues("completed", reason).Inc()
	return nil
}

// drop deletes path and marks the status completed. Used for
// ignored extensions and ignore-automerge collisions (§4.E's DROPPED
// terminal). The Import audit row itself is written by the caller,
// which knows whether this was a plain ignore or a duplicate-ignored
// collision.
func (p *Processor) drop(path, reason string) error {
	filename := filepath.Base(path)
	if err := p.removePath(path); err != nil {
		p.log.Err(err).Warn("failed to remove dropped intake file", logger.Data{"path": path, "reason": reason})
	}
	p.status.completed(filename)
	metrics.IngestOutcomes.WithLabelValues("dropped", reason).Inc()
	return nil
}

// fail moves path to the configured failed directory with a
// timestamped, reason-encoding name, records the failure, and returns
// the triggering error wrapped for the caller.
func (p *Processor) fail(ctx context.Context, path, reason string, cause error) error {
	filename := filepath.Base(path)
	at := time.Now()
	dest := filepath.Join(p.cfg.FailedDir, fileutils.FailedName(filename, reason, at))
	dest = fileutils.UniquePath(dest)

	if err := fileutils.SafeMove(path, dest); err != nil {
		p.log.Err(err).Error("failed to move failed intake file", logger.Data{"path": path, "dest": dest})
	}

	skippedAs := reason
	if _, auditErr := p.store.AddImport(ctx, filename, store.AddImportOptions{
		Skipped:   true,
		SkippedAs: &skippedAs,
	}); auditErr != nil {
		p.log.Err(auditErr).Warn("failed to record failed-import audit row", logger.Data{"path": path})
	}

	if err := p.status.pushRetry(path); err != nil {
		p.log.Err(err).Warn("failed to update retry queue", logger.Data{"path": path})
	}
	p.status.errored(filename, reason)
	metrics.IngestOutcomes.WithLabelValues("failed", reason).Inc()

	return errcodes.PerItem(reason, cause.Error())
}

func (p *Processor) backupOriginal(path, bucket string) error {
	at := time.Now()
	filename := filepath.Base(path)
	var dest string
	switch bucket {
	case "converted":
		dest = filepath.Join(p.cfg.BackupDir, "converted", fileutils.MonthBucket(at), fileutils.BackupName(filename, at))
	default:
		dest = filepath.Join(p.cfg.BackupDir, bucket, fileutils.BackupName(filename, at))
	}
	dest = fileutils.UniquePath(dest)
	return fileutils.SafeCopy(path, dest)
}

// removePath deletes path and prunes any now-empty directories it
// leaves behind, up to (but not including) the intake root — a
// package dropped into a dedicated subdirectory should not leave that
// subdirectory behind once claimed.
func (p *Processor) removePath(path string) error {
	if err := removeFile(path); err != nil {
		return err
	}
	return fileutils.CleanupEmptyParentDirectories(filepath.Dir(path), p.cfg.IntakeDir, ".DS_Store", "Thumbs.db")
}

func (p *Processor) removePackageFiles(primaryPath string, pkg *filePackage) error {
	var firstErr error
	for _, m := range pkg.members {
		if err := removeFile(m.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := fileutils.CleanupEmptyParentDirectories(filepath.Dir(primaryPath), p.cfg.IntakeDir, ".DS_Store", "Thumbs.db"); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimPrefix(v, "."), want) {
			return true
		}
	}
	return false
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[strings.ToLower(strings.TrimPrefix(v, "."))] = true
	}
	return m
}
