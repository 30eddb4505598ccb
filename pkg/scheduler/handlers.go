package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"

	"github.com/crocodilestick/cwa-core/pkg/appdb"
	"github.com/crocodilestick/cwa-core/pkg/errcodes"
	"github.com/crocodilestick/cwa-core/pkg/ingest"
	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/mailtransport"
	"github.com/crocodilestick/cwa-core/pkg/models"
	"github.com/crocodilestick/cwa-core/pkg/store"
	"github.com/crocodilestick/cwa-core/pkg/toolgateway"
)

// AutoSendHandler builds the handler for models.JobTypeAutoSend
// (§4.G "auto-send"): re-reads the user's current delivery settings
// from app.db (they may have changed since the job was scheduled),
// renders the email, and hands off to the mail transport. app may be
// nil (no app.db configured), in which case the handler fails every
// auto-send job with a Config-tier error rather than panicking.
func AutoSendHandler(app *appdb.Reader, library *librarygateway.Gateway, transport mailtransport.Transport, log logger.Logger) Handler {
	return func(ctx context.Context, job *models.ScheduledJob) error {
		payload, ok := job.DataParsed.(*models.AutoSendPayload)
		if !ok {
			return errcodes.Invariant("auto-send job payload has the wrong type")
		}
		if app == nil {
			return errcodes.ConfigError("app database is not configured, cannot resolve delivery address")
		}

		addr, err := app.DeliveryAddress(ctx, payload.UserID)
		if err != nil {
			return err
		}

		title := payload.Title
		if title == "" {
			if records, listErr := library.List(ctx, []string{"title"}); listErr == nil {
				for i := range records {
					if records[i].ID == payload.BookID {
						title = records[i].Title
						break
					}
				}
			}
		}

		msg := mailtransport.Message{
			To:      addr,
			Subject: title,
			Body:    fmt.Sprintf("%s has been delivered to your library.\n", title),
		}

		if err := transport.Send(ctx, msg); err != nil {
			return errors.Wrapf(err, "failed to send auto-send delivery for book %d to %s", payload.BookID, addr)
		}

		log.Info("auto-send delivered", logger.Data{"book_id": payload.BookID, "user_id": payload.UserID, "to": addr})
		return nil
	}
}

// ConvertLibraryRunHandler builds the handler for
// models.JobTypeConvertLibraryRun (§4.G): a full-library conversion
// pass using the same target-format setting the ingest pipeline
// applies to a single file (§4.E), run once across every book missing
// the target format. The retained-format setting is not consulted.
func ConvertLibraryRunHandler(st *store.Store, library *librarygateway.Gateway, tools *toolgateway.Gateway, log logger.Logger) Handler {
	return func(ctx context.Context, _ *models.ScheduledJob) error {
		settings, err := st.GetSettings(ctx)
		if err != nil {
			return err
		}
		if !settings.AutoConvert {
			log.Debug("auto_convert is disabled, skipping convert-library-run", nil)
			return nil
		}

		records, err := library.List(ctx, []string{"title", "authors", "formats"})
		if err != nil {
			return err
		}

		target := strings.ToLower(settings.AutoConvertTargetFormat)
		var firstErr error
		converted := 0

		for _, rec := range records {
			if hasFormat(rec.Formats, target) {
				continue
			}
			src := bestSourceFormat(rec.Formats)
			if src == "" {
				continue
			}

			dst := strings.TrimSuffix(src, filepath.Ext(src)) + "." + target
			result, convErr := tools.Convert(ctx, src, dst)
			if convErr != nil || !result.OK {
				log.Warn("library-wide conversion failed for one book", logger.Data{"book_id": rec.ID, "source": src})
				if firstErr == nil {
					firstErr = convErr
				}
				continue
			}

			if addErr := library.AddFormat(ctx, rec.ID, dst); addErr != nil {
				log.Warn("failed to attach converted format to book", logger.Data{"book_id": rec.ID})
				if firstErr == nil {
					firstErr = addErr
				}
				continue
			}

			if _, auditErr := st.AddConversion(ctx, filepath.Base(src), extOf(src), target, false); auditErr != nil {
				log.Err(auditErr).Warn("failed to record library-wide conversion audit row", nil)
			}
			converted++
		}

		log.Info("convert-library-run finished", logger.Data{"converted": converted, "books": len(records)})
		return firstErr
	}
}

// EpubFixerRunHandler builds the handler for
// models.JobTypeEpubFixerRun (§4.G): a full-library epub-fix pass,
// applying the same tool the ingest pipeline's kindle_epub_fixer stage
// uses (§4.E) to every epub format already present in the library.
func EpubFixerRunHandler(st *store.Store, library *librarygateway.Gateway, tools *toolgateway.Gateway, log logger.Logger) Handler {
	return func(ctx context.Context, _ *models.ScheduledJob) error {
		settings, err := st.GetSettings(ctx)
		if err != nil {
			return err
		}
		if !settings.KindleEpubFixer {
			log.Debug("kindle_epub_fixer is disabled, skipping epub-fixer-run", nil)
			return nil
		}

		records, err := library.List(ctx, []string{"formats"})
		if err != nil {
			return err
		}

		var firstErr error
		fixed := 0

		for _, rec := range records {
			for _, f := range rec.Formats {
				if extOf(f) != "epub" {
					continue
				}

				result, fixes, fixErr := tools.FixEpub(ctx, f)
				if fixErr != nil || !result.OK {
					log.Warn("library-wide epub fix failed for one book", logger.Data{"book_id": rec.ID, "path": f})
					if firstErr == nil {
						firstErr = fixErr
					}
					continue
				}
				if len(fixes) == 0 {
					continue
				}

				if _, auditErr := st.AddEpubFix(ctx, &models.EpubFix{
					Filename:          filepath.Base(f),
					ManuallyTriggered: false,
					FixCount:          len(fixes),
					FixesApplied:      mustMarshalFixes(fixes),
					Path:              f,
					BackedUp:          false,
				}); auditErr != nil {
					log.Err(auditErr).Warn("failed to record library-wide epub fix audit row", nil)
				}
				fixed++
			}
		}

		log.Info("epub-fixer-run finished", logger.Data{"fixed": fixed, "books": len(records)})
		return firstErr
	}
}

func hasFormat(formats []string, target string) bool {
	for _, f := range formats {
		if extOf(f) == target {
			return true
		}
	}
	return false
}

func bestSourceFormat(formats []string) string {
	exts := make([]string, len(formats))
	byExt := map[string]string{}
	for i, f := range formats {
		e := extOf(f)
		exts[i] = e
		byExt[e] = f
	}
	return byExt[ingest.PreferredFormat(exts)]
}

func extOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// mustMarshalFixes encodes the fix description list the same way the
// audit table expects (a JSON array of strings); fixes is always
// produced by parsing a tool's own stdout, never user input, so a
// marshal failure here would indicate a bug rather than bad data.
func mustMarshalFixes(fixes []string) string {
	data, err := json.Marshal(fixes)
	if err != nil {
		return "[]"
	}
	return string(data)
}
