package enforcement

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"

	"github.com/crocodilestick/cwa-core/pkg/config"
	"github.com/crocodilestick/cwa-core/pkg/fileutils"
	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/metrics"
	"github.com/crocodilestick/cwa-core/pkg/models"
	"github.com/crocodilestick/cwa-core/pkg/processlock"
	"github.com/crocodilestick/cwa-core/pkg/sidecar"
	"github.com/crocodilestick/cwa-core/pkg/store"
	"github.com/crocodilestick/cwa-core/pkg/toolgateway"
)

// defaultMaxFailures is how many times a single enforcement log may be
// retried (via its `.failN` suffix) before being moved into
// EnforcementFailDir (§4.F step 7). There is no settings column for
// this — it is an operational ceiling, not a user-facing tuning knob.
const defaultMaxFailures = 5

const defaultLockTimeout = 30 * time.Second

// Engine implements the metadata-enforcement algorithm (§4.F): given
// one log file path from the watched enforcement-log directory, it
// coalesces same-book logs, re-reads the book's authoritative on-disk
// formats from the library, rewrites every one of them when the log's
// title, authors or staged cover differ from the library's record, and
// audits or retries the outcome.
type Engine struct {
	cfg         *config.Config
	store       *store.Store
	locks       *processlock.Locker
	library     *librarygateway.Gateway
	tools       *toolgateway.Gateway
	log         logger.Logger
	maxFailures int
}

// New returns an Engine wired to its collaborators.
func New(cfg *config.Config, st *store.Store, locks *processlock.Locker, library *librarygateway.Gateway, tools *toolgateway.Gateway) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       st,
		locks:       locks,
		library:     library,
		tools:       tools,
		log:         logger.New().Data(logger.Data{"component": "enforcement"}),
		maxFailures: defaultMaxFailures,
	}
}

// HandleLogFile processes one enforcement-log file discovered by the
// watcher. path may already have been superseded (deleted by a
// concurrent coalesce) by the time this runs; that is not an error.
func (e *Engine) HandleLogFile(ctx context.Context, path string) (err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.EnforcementDispatchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if !settings.AutoMetadataEnforcement {
		e.log.Debug("metadata enforcement disabled, leaving log in place", logger.Data{"path": path})
		return nil
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil
	}

	entry, err := ParseLogFile(path)
	if err != nil {
		_, _ = e.fail(path, err)
		return err
	}

	handle, err := e.locks.Acquire(ctx, processlock.EnforceName(entry.BookID), defaultLockTimeout)
	if err != nil {
		return errors.WithStack(err)
	}
	defer e.locks.Release(handle) //nolint:errcheck

	dir := filepath.Dir(path)
	candidates, err := discoverSameBook(dir, entry.BookID)
	if err != nil {
		_, _ = e.fail(path, err)
		return err
	}
	if len(candidates) == 0 {
		// Already consumed by a concurrent run that won the lock race.
		return nil
	}

	newest, deleted, coalesceErr := coalesce(candidates)
	for _, d := range deleted {
		e.log.Debug("coalesced superseded enforcement log", logger.Data{"path": d, "book_id": entry.BookID})
	}
	if coalesceErr != nil {
		e.log.Err(coalesceErr).Warn("failed to delete a superseded enforcement log", logger.Data{"book_id": entry.BookID})
	}

	if newest.path != path {
		// This file was superseded by one of its siblings; whichever
		// goroutine handles newest.path (now or on its own watcher
		// event) owns the actual write.
		return nil
	}

	if err := e.apply(ctx, newest); err != nil {
		_, failErr := e.fail(newest.path, err)
		if failErr != nil {
			return failErr
		}
		return err
	}
	return nil
}

// apply re-reads the book's current state from the library, decides
// what (if anything) changed, writes the change to every affected
// on-disk format, audits, and removes the log.
func (e *Engine) apply(ctx context.Context, lf loggedFile) error {
	entry := lf.entry

	records, err := e.library.List(ctx, []string{"title", "authors", "formats"})
	if err != nil {
		return err
	}
	var current *librarygateway.BookRecord
	for i := range records {
		if records[i].ID == entry.BookID {
			current = &records[i]
			break
		}
	}
	if current == nil {
		return errors.Errorf("book %d no longer present in library", entry.BookID)
	}

	fields := map[string]string{}

	if entry.Title != "" && entry.Title != current.Title {
		fields["title"] = entry.Title
	}

	wantAuthors := entry.AuthorList()
	if len(wantAuthors) > 0 && !sameAuthors(wantAuthors, current.Authors) {
		fields["authors"] = strings.Join(wantAuthors, " & ")
	}

	var coverAbs string
	if entry.CoverPath != "" {
		candidate := filepath.Join(e.cfg.EnforcementLogDir, entry.CoverPath)
		if sidecar.Exists(candidate) {
			coverAbs = candidate
		} else {
			e.log.Warn("enforcement log references a staged cover that is missing, skipping cover only", logger.Data{
				"book_id": entry.BookID, "cover_path": entry.CoverPath,
			})
		}
	}

	if len(fields) == 0 && coverAbs == "" {
		// No meaningful diff: the UI's own write already matches
		// what's on disk, or the fields named in the log didn't
		// actually change anything. Still consume the log.
		return os.Remove(lf.path)
	}

	args := metadataArgs(fields, coverAbs)
	if len(current.Formats) == 0 {
		return errors.Errorf("book %d has no known on-disk formats to enforce", entry.BookID)
	}

	var firstErr error
	for _, formatPath := range current.Formats {
		res, err := e.tools.SetMetadata(ctx, formatPath, args...)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !res.OK {
			if firstErr == nil {
				firstErr = errors.Errorf("ebook-meta failed on %s: %s", formatPath, res.ErrorMessage)
			}
			continue
		}
	}
	if firstErr != nil {
		return firstErr
	}

	primary := current.Formats[0]
	title := entry.Title
	if title == "" {
		title = current.Title
	}
	authors := strings.Join(wantAuthors, " & ")
	if authors == "" {
		authors = strings.Join(current.Authors, " & ")
	}
	if _, err := e.store.AddEnforcement(ctx, entry.BookID, title, authors, primary, models.EnforcementTriggerLog); err != nil {
		return errors.WithStack(err)
	}

	if coverAbs != "" {
		if err := sidecar.Remove(coverAbs); err != nil {
			e.log.Err(err).Warn("failed to remove consumed staged cover", logger.Data{"path": coverAbs})
		}
	}

	return os.Remove(lf.path)
}

// metadataArgs turns a diff into ebook-meta command-line flags.
// Only title, authors and cover are ever written. Language is never
// included: the file's existing language tags are left as they are,
// and a language change named in the log is not applied.
func metadataArgs(fields map[string]string, coverAbs string) []string {
	var args []string
	if v, ok := fields["title"]; ok {
		args = append(args, "--title", v)
	}
	if v, ok := fields["authors"]; ok {
		args = append(args, "--authors", v)
	}
	if coverAbs != "" {
		args = append(args, "--cover", coverAbs)
	}
	return args
}

func sameAuthors(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fail handles a processing error by bumping the log's failure
// counter suffix and, past maxFailures, moving it into
// EnforcementFailDir with an audit trail preserved only in the
// filename itself (the failure is operational, not a book-state
// change, so no Enforcement row is written).
func (e *Engine) fail(path string, cause error) (string, error) {
	newPath, count, renameErr := bumpFailureCount(path)
	if renameErr != nil {
		e.log.Err(renameErr).Error("failed to bump enforcement log failure counter", logger.Data{"path": path})
		return path, renameErr
	}

	if count < e.maxFailures {
		e.log.Err(cause).Warn("enforcement attempt failed, will retry", logger.Data{"path": newPath, "failures": count})
		return newPath, nil
	}

	dest := uniquePath(filepath.Join(e.cfg.EnforcementFailDir, filepath.Base(newPath)))
	if err := fileutils.SafeMove(newPath, dest); err != nil {
		e.log.Err(err).Error("failed to move exhausted enforcement log to enforce_failed", logger.Data{"path": newPath})
		return newPath, err
	}
	e.log.Err(cause).Error("enforcement log exhausted its retry budget, moved to enforce_failed", logger.Data{
		"path": dest, "failures": count,
	})
	return dest, nil
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s.%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
