package ingest

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"

	"github.com/crocodilestick/cwa-core/pkg/models"
)

// runEpubFixer applies the Kindle epub-fixer stage to every epub
// format the library now holds for bookID (§4.E "kindle_epub_fixer:
// enable epub-fixer stage in E"). It runs after postImport so it
// operates on the format calibredb actually stored, not the intake
// path, which may already have been converted or removed. Best-effort:
// failures are logged and never escalate the import's own outcome,
// mirroring postImport's fan-out.
func (p *Processor) runEpubFixer(ctx context.Context, bookID int, settings *models.Settings) {
	formats, err := p.library.GetFormats(ctx, bookID)
	if err != nil {
		p.log.Err(err).Warn("failed to list formats for epub-fixer stage", logger.Data{"book_id": bookID})
		return
	}

	for _, path := range formats {
		if extOf(path) != "epub" {
			continue
		}

		result, fixes, err := p.tools.FixEpub(ctx, path)
		if err != nil || !result.OK {
			cause := err
			if cause == nil {
				cause = errors.Errorf("epub-fixer failed: %s", result.ErrorMessage)
			}
			p.log.Err(cause).Warn("epub-fixer tool invocation failed", logger.Data{"book_id": bookID, "path": path})
			continue
		}
		if len(fixes) == 0 {
			continue
		}

		fixesJSON, marshalErr := json.Marshal(fixes)
		if marshalErr != nil {
			fixesJSON = []byte("[]")
		}

		if _, err := p.store.AddEpubFix(ctx, &models.EpubFix{
			Filename:          filepath.Base(path),
			ManuallyTriggered: false,
			FixCount:          len(fixes),
			FixesApplied:      string(fixesJSON),
			Path:              path,
			BackedUp:          settings.AutoBackupEpubFixes,
		}); err != nil {
			p.log.Err(err).Warn("failed to record epub fix audit row", logger.Data{"book_id": bookID, "path": path})
		}
	}
}
