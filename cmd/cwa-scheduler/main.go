// Command cwa-scheduler runs the persistent job scheduler (component
// G, §5 "one scheduler loop") and the internal ops HTTP surface
// (§12.5). In the original system this loop lived inside the web
// process; here it is its own long-lived binary that owns G alone.
package main

import (
	"context"
	"fmt"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"

	"github.com/crocodilestick/cwa-core/pkg/appdb"
	"github.com/crocodilestick/cwa-core/pkg/config"
	"github.com/crocodilestick/cwa-core/pkg/database"
	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/mailtransport"
	"github.com/crocodilestick/cwa-core/pkg/migrations"
	"github.com/crocodilestick/cwa-core/pkg/models"
	"github.com/crocodilestick/cwa-core/pkg/opsserver"
	"github.com/crocodilestick/cwa-core/pkg/scheduler"
	"github.com/crocodilestick/cwa-core/pkg/store"
	"github.com/crocodilestick/cwa-core/pkg/toolgateway"
	"github.com/crocodilestick/cwa-core/pkg/version"
)

// cliOpts are the one-shot flags this long-lived binary accepts on
// startup, parsed the way shisho's own debug scripts do
// (cmd/scripts/debug/parse-epub/main.go).
type cliOpts struct {
	ConfigFile string `short:"c" long:"config" description:"Path to the YAML config file (overrides CONFIG_FILE and the built-in default)"`
	DryRun     bool   `short:"n" long:"dry-run" description:"Rehydrate and log due jobs without invoking their handlers"`
}

func main() {
	log := logger.New()
	log.Info("starting cwa-scheduler", logger.Data{"version": version.Version})

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

	st := store.New(db)
	library := librarygateway.New(cfg.CalibredbBin, cfg.LibraryDir, cfg.SubprocessTimeout)
	tools := toolgateway.New(cfg.EbookConvertBin, cfg.EbookMetaBin, cfg.KepubifyBin, cfg.EpubFixerBin, cfg.SubprocessTimeout)

	app, err := appdb.Open(cfg.AppDatabaseFilePath)
	if err != nil {
		log.Warn("app database unavailable, auto-send jobs will fail until it is reachable", logger.Data{"error": err.Error()})
	} else {
		defer app.Close() //nolint:errcheck
	}

	transport := mailtransport.NewSMTPTransport(mailtransport.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})

	sched := scheduler.New(st, log, cfg.SchedulerRehydrateGrace)
	sched.RegisterHandler(models.JobTypeAutoSend, dryRunGuard(opts.DryRun, log, scheduler.AutoSendHandler(app, library, transport, log)))
	sched.RegisterHandler(models.JobTypeConvertLibraryRun, dryRunGuard(opts.DryRun, log, scheduler.ConvertLibraryRunHandler(st, library, tools, log)))
	sched.RegisterHandler(models.JobTypeEpubFixerRun, dryRunGuard(opts.DryRun, log, scheduler.EpubFixerRunHandler(st, library, tools, log)))

	if err := sched.Start(ctx); err != nil {
		log.Err(err).Fatal("scheduler start error")
	}
	log.Info("cwa-scheduler started", logger.Data{"dry_run": opts.DryRun})

	ops := opsserver.New(fmt.Sprintf("%s:%d", cfg.OpsServerHost, cfg.OpsServerPort))
	go func() {
		if err := ops.Start(); err != nil {
			log.Err(err).Error("ops server stopped unexpectedly")
		}
	}()

	graceful := signals.Setup()
	<-graceful
	log.Info("cwa-scheduler shutting down", nil)

	sched.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Err(err).Error("ops server shutdown error")
	}

	if err := db.Close(); err != nil {
		log.Err(err).Error("database close error")
	}
}

// dryRunGuard wraps a scheduler.Handler so that, in dry-run mode, a due
// job is logged but its handler never runs (no mail sent, no library
// conversion kicked off). The job still transitions scheduled→dispatched
// per §4.G, since dispatch is what makes at-most-once observable; only
// the side-effecting handler body is skipped.
func dryRunGuard(dryRun bool, log logger.Logger, next scheduler.Handler) scheduler.Handler {
	if !dryRun {
		return next
	}
	return func(ctx context.Context, job *models.ScheduledJob) error {
		log.Info("dry-run: would dispatch scheduled job", logger.Data{"job_id": job.ID, "type": job.Type})
		return nil
	}
}
