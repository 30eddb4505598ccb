// Command cwa-enforce runs the metadata-enforcement-log watcher and
// engine (components C + F, §5 "one watcher/worker loop for
// enforcement logs").
package main

import (
	"context"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"

	"github.com/crocodilestick/cwa-core/pkg/config"
	"github.com/crocodilestick/cwa-core/pkg/database"
	"github.com/crocodilestick/cwa-core/pkg/enforcement"
	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/migrations"
	"github.com/crocodilestick/cwa-core/pkg/processlock"
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
	DryRun     bool   `short:"n" long:"dry-run" description:"Watch and log enforcement events without rewriting any book files"`
}

func main() {
	log := logger.New()
	log.Info("starting cwa-enforce", logger.Data{"version": version.Version})

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

	st := store.New(db)
	library := librarygateway.New(cfg.CalibredbBin, cfg.LibraryDir, cfg.SubprocessTimeout)
	tools := toolgateway.New(cfg.EbookConvertBin, cfg.EbookMetaBin, cfg.KepubifyBin, cfg.EpubFixerBin, cfg.SubprocessTimeout)

	engine := enforcement.New(cfg, st, locks, library, tools)

	w, err := watcher.New(cfg.EnforcementLogDir, watcher.Options{
		Mode:             cfg.WatchModeOverride,
		NetworkShareMode: cfg.NetworkShareMode,
		PollInterval:     cfg.EnforcementPollInterval,
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
						log.Info("dry-run: would process enforcement log", logger.Data{"path": path})
						return
					}
					if err := engine.HandleLogFile(ctx, path); err != nil {
						log.Err(err).Warn("enforcement run finished with an error", logger.Data{"path": path})
					}
				}(ev.Path)
			case <-graceful:
				return
			}
		}
	}()

	log.Info("cwa-enforce started", logger.Data{"enforcement_log_dir": cfg.EnforcementLogDir, "dry_run": opts.DryRun})
	<-done
	log.Info("cwa-enforce shutting down", nil)

	if err := db.Close(); err != nil {
		log.Err(err).Error("database close error")
	}
}
