// Command cwa-ingest runs the intake watcher and per-file ingest
// pipeline (components C + D + E, §5 "one watcher/processor loop for
// intake"). Only one instance is meant to run against a given intake
// directory at a time; a second invocation refuses to start rather
// than race the first (§6's exit-code contract).
package main

import (
	"context"
	"errors"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"

	"github.com/crocodilestick/cwa-core/pkg/appdb"
	"github.com/crocodilestick/cwa-core/pkg/config"
	"github.com/crocodilestick/cwa-core/pkg/database"
	"github.com/crocodilestick/cwa-core/pkg/errcodes"
	"github.com/crocodilestick/cwa-core/pkg/ingest"
	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/migrations"
	"github.com/crocodilestick/cwa-core/pkg/processlock"
	"github.com/crocodilestick/cwa-core/pkg/stability"
	"github.com/crocodilestick/cwa-core/pkg/store"
	"github.com/crocodilestick/cwa-core/pkg/toolgateway"
	"github.com/crocodilestick/cwa-core/pkg/version"
	"github.com/crocodilestick/cwa-core/pkg/watcher"
)

// cliOpts are the one-shot flags this long-lived binary accepts on
// startup, parsed the way shisho's own debug scripts do
// (cmd/scripts/debug/parse-epub/main.go).
type cliOpts struct {
	ConfigFile string `short:"c" long:"config" description:"Path to the YAML config file (overrides CONFIG_FILE and the built-in default)"`
	DryRun     bool   `short:"n" long:"dry-run" description:"Watch and log intake events without running the ingest pipeline against them"`
}

// stabilityRequiredSamples and stabilityInterval are the spec's default
// stability-check cadence (§4.D): three consecutive equal-size reads,
// one second apart.
const (
	stabilityRequiredSamples = 3
	stabilityInterval        = time.Second
)

func main() {
	log := logger.New()
	log.Info("starting cwa-ingest", logger.Data{"version": version.Version})

	var opts cliOpts
	if _, err := flags.Parse(&opts); err != nil {
		log.Err(err).Fatal("flags parse error")
	}

	cfg, err := config.NewWithConfigFile(opts.ConfigFile)
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	ctx := context.Background()
	if _, err := migrations.BringUpToDate(ctx, db); err != nil {
		log.Err(err).Fatal("migrations error")
	}

	locks, err := processlock.New(cfg.LockDir, time.Duration(cfg.LockStaleMultiplier)*time.Duration(cfg.IngestTimeoutMinutes)*time.Minute)
	if err != nil {
		log.Err(err).Fatal("process lock error")
	}

	// Claim the singleton lock for the lifetime of this process so a
	// second cwa-ingest invocation refuses to start rather than race
	// this one (§6, §12 "Single instance per host"). This is a
	// distinct lock name from GlobalIngestLock, which Processor.Process
	// re-acquires per run to cap concurrency against the library tool's
	// single-writer assumption: flock(2) locks conflict across distinct
	// open file descriptions even within one process, so holding
	// GlobalIngestLock here for the process lifetime would make every
	// per-run re-acquire of the same name block until it timed out.
	singletonHandle, err := locks.Acquire(ctx, processlock.IngestSingletonLock, 0)
	if err != nil {
		var lockErr *errcodes.Error
		if errors.As(err, &lockErr) && lockErr.Code == "busy" {
			log.Warn("another cwa-ingest instance is already running", nil)
			os.Exit(2)
		}
		log.Err(err).Fatal("failed to acquire ingest singleton lock")
	}
	defer locks.Release(singletonHandle) //nolint:errcheck

	st := store.New(db)
	library := librarygateway.New(cfg.CalibredbBin, cfg.LibraryDir, cfg.SubprocessTimeout)
	tools := toolgateway.New(cfg.EbookConvertBin, cfg.EbookMetaBin, cfg.KepubifyBin, cfg.EpubFixerBin, cfg.SubprocessTimeout)
	detect := stability.New(stabilityInterval, stabilityRequiredSamples)

	processor := ingest.New(cfg, st, locks, library, tools, detect)

	app, err := appdb.Open(cfg.AppDatabaseFilePath)
	if err != nil {
		log.Warn("app database unavailable, auto-send fan-out is disabled", logger.Data{"error": err.Error()})
	} else {
		defer app.Close() //nolint:errcheck
		processor.Recipients = func(ctx context.Context) ([]ingest.Recipient, error) {
			recs, err := app.ListAutoSendEnabledUsers(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]ingest.Recipient, len(recs))
			for i, r := range recs {
				out[i] = ingest.Recipient{UserID: r.UserID, Username: r.Username}
			}
			return out, nil
		}
	}

	w, err := watcher.New(cfg.IntakeDir, watcher.Options{
		Mode:             cfg.WatchModeOverride,
		NetworkShareMode: cfg.NetworkShareMode,
		PollInterval:     cfg.IntakePollInterval,
	})
	if err != nil {
		log.Err(err).Fatal("watcher error")
	}
	defer w.Close()

	graceful := signals.Setup()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				go func(path string) {
					if opts.DryRun {
						log.Info("dry-run: would process intake path", logger.Data{"path": path})
						return
					}
					if err := processor.Process(ctx, path); err != nil {
						log.Err(err).Warn("ingest run finished with an error", logger.Data{"path": path})
					}
				}(ev.Path)
			case <-graceful:
				return
			}
		}
	}()

	log.Info("cwa-ingest started", logger.Data{"intake_dir": cfg.IntakeDir, "dry_run": opts.DryRun})
	<-done
	log.Info("cwa-ingest shutting down", nil)

	if err := db.Close(); err != nil {
		log.Err(err).Error("database close error")
	}
}

