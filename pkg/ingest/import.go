package ingest

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"

	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/models"
)

// importOutcome is the result of importPrimary: either a new or
// resolved book id to carry into POST, or a drop decision.
type importOutcome struct {
	bookID        int
	dropped       bool
	droppedReason string
}

// importPrimary invokes the library gateway's add with the configured
// automerge mode and resolves the resulting book id, tolerating
// calibredb's fragile stdout contract (§4.E "Import").
func (p *Processor) importPrimary(ctx context.Context, importPath string, settings *models.Settings) (importOutcome, error) {
	ids, err := p.library.Add(ctx, []string{importPath}, settings.AutoIngestAutomerge)
	if err != nil {
		return importOutcome{}, err
	}

	if len(ids) > 0 {
		return importOutcome{bookID: ids[0]}, nil
	}

	if settings.AutoIngestAutomerge == models.AutomergeIgnore {
		// calibredb's own --automerge=ignore reports nothing added when a
		// colliding record already exists; an empty result here is the
		// collision signal itself, not a parse failure.
		return importOutcome{dropped: true, droppedReason: "duplicate-ignored"}, nil
	}

	// Either an --automerge=overwrite merge that reported no new id, or
	// stdout we simply failed to parse. Fall back to a list lookup by
	// the best title/author guess we can make from the filename.
	id, found, lookupErr := p.fallbackLookup(ctx, importPath)
	if lookupErr != nil {
		return importOutcome{}, lookupErr
	}
	if !found {
		return importOutcome{}, errors.New("could not determine imported book id from calibredb output or a follow-up list query")
	}
	return importOutcome{bookID: id}, nil
}

// fallbackLookup guesses a title (and, when the filename encodes one,
// an author) from importPath's name and searches the full library for
// a matching record. This is deliberately approximate — §4.E
// acknowledges calibredb's add output is fragile and asks only that
// the processor "tolerate" it, not resolve it with certainty.
func (p *Processor) fallbackLookup(ctx context.Context, importPath string) (int, bool, error) {
	title, author := guessTitleAuthor(importPath)
	if title == "" {
		return 0, false, nil
	}

	records, err := p.library.List(ctx, []string{"title", "authors"})
	if err != nil {
		return 0, false, err
	}

	wantTitle := normalizeTitle(title)
	wantAuthor := normalizeAuthorSurname([]string{author})

	for _, rec := range records {
		if normalizeTitle(rec.Title) != wantTitle {
			continue
		}
		if wantAuthor != "" && normalizeAuthorSurname(rec.Authors) != wantAuthor {
			continue
		}
		return rec.ID, true, nil
	}
	return 0, false, nil
}

// guessTitleAuthor extracts a {title, author} guess from a filename
// stem, recognizing the common "Title - Author" downloader convention.
// Returns ("", "") when the stem carries no usable signal.
func guessTitleAuthor(path string) (title, author string) {
	stem := stemOf(path)
	if stem == "" {
		return "", ""
	}
	if idx := strings.Index(stem, " - "); idx != -1 {
		return strings.TrimSpace(stem[:idx]), strings.TrimSpace(stem[idx+3:])
	}
	return stem, ""
}

// postImport runs §4.E's "Retained formats" and "Post-ingest fan-out"
// steps once a book id is known.
func (p *Processor) postImport(ctx context.Context, bookID int, pkg *filePackage, primaryPath string, settings *models.Settings) error {
	retained := toSet(settings.AutoConvertRetainedFormats)
	var firstErr error

	for _, sib := range pkg.siblings(primaryPath) {
		if !retained[sib.ext] {
			continue
		}
		if err := p.library.AddFormat(ctx, bookID, sib.path); err != nil {
			p.log.Err(err).Warn("failed to attach retained format", logger.Data{"book_id": bookID, "path": sib.path})
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if p.OnImported != nil {
		p.OnImported(ctx, bookID)
	}

	if p.Recipients == nil {
		return firstErr
	}

	recipients, err := p.Recipients(ctx)
	if err != nil {
		p.log.Err(err).Warn("failed to enumerate auto-send recipients", nil)
		return firstErr
	}
	if len(recipients) == 0 {
		return firstErr
	}

	title := ""
	if rec, ok, lookupErr := p.lookupBook(ctx, bookID); lookupErr == nil && ok {
		title = rec.Title
	}

	delay := time.Duration(settings.AutoSendDelayMinutes) * time.Minute
	runAt := time.Now().Add(delay)

	for _, r := range recipients {
		payload := models.AutoSendPayload{
			BookID:   bookID,
			UserID:   r.UserID,
			Username: r.Username,
			Title:    title,
		}
		if _, err := p.store.InsertScheduledJob(ctx, models.JobTypeAutoSend, payload, runAt); err != nil {
			p.log.Err(err).Warn("failed to schedule auto-send job", logger.Data{"book_id": bookID, "user_id": r.UserID})
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// lookupBook resolves a single book record by id, for the title the
// auto-send payload carries and for duplicate-detection comparisons.
func (p *Processor) lookupBook(ctx context.Context, bookID int) (librarygateway.BookRecord, bool, error) {
	records, err := p.library.List(ctx, []string{"title", "authors", "series", "languages", "publisher", "formats"})
	if err != nil {
		return librarygateway.BookRecord{}, false, err
	}
	for _, rec := range records {
		if rec.ID == bookID {
			return rec, true, nil
		}
	}
	return librarygateway.BookRecord{}, false, nil
}

// detectDuplicate runs the out-of-band post-import classification
// (§4.E "Duplicate detection"): never a gate, only an audit tag.
func (p *Processor) detectDuplicate(ctx context.Context, bookID int, settings *models.Settings) bool {
	records, err := p.library.List(ctx, []string{"title", "authors", "series", "languages", "publisher", "formats"})
	if err != nil {
		return false
	}

	var self librarygateway.BookRecord
	found := false
	for _, rec := range records {
		if rec.ID == bookID {
			self = rec
			found = true
			break
		}
	}
	if !found {
		return false
	}

	fp := fingerprint(settings, self)
	return findPotentialDuplicate(fp, bookID, records, settings)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %s", path)
	}
	return nil
}
