// Package scheduler implements component G: a persistent scheduler
// that survives process restarts and fires typed jobs at future
// wall-clock times (§4.G). Jobs are persisted by the state store (A);
// other processes (the ingest loop, an operator trigger) only ever
// need to call store.InsertScheduledJob directly to enqueue work —
// this package is what actually owns turning a persisted row into a
// fired handler, on a schedule, exactly once.
//
// The fetch/process/schedule/cleanup loop shape mirrors the teacher's
// worker loop: a periodic fetch picks up rows this process has not yet
// registered a timer for (including ones inserted by a different
// process, e.g. cmd/cwa-ingest's auto-send scheduling), each row gets
// its own one-shot timer, and dispatch performs the atomic
// scheduled→dispatched claim immediately before running the handler.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"

	"github.com/crocodilestick/cwa-core/pkg/errcodes"
	"github.com/crocodilestick/cwa-core/pkg/joblogs"
	"github.com/crocodilestick/cwa-core/pkg/metrics"
	"github.com/crocodilestick/cwa-core/pkg/models"
	"github.com/crocodilestick/cwa-core/pkg/store"
)

// Handler executes one dispatched job. Handlers are looked up by
// models.ScheduledJob.Type; an error leaves the job in the dispatched
// state with LastError set (§4.G "no automatic retry").
type Handler func(ctx context.Context, job *models.ScheduledJob) error

// defaultFetchInterval is how often the scheduler re-lists pending rows
// to pick up jobs it has not yet registered a local timer for.
const defaultFetchInterval = 15 * time.Second

// Scheduler owns in-process timers for scheduled_jobs rows and the
// handlers that execute them at fire time.
type Scheduler struct {
	store         *store.Store
	joblogs       *joblogs.Service
	log           logger.Logger
	fetchInterval time.Duration
	rehydrateGrace time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[int]*time.Timer

	shutdown  chan struct{}
	doneFetch chan struct{}
}

// New returns a Scheduler backed by st. rehydrateGrace is the §4.G
// grace window: rows whose run_at has already passed by more than this
// are dispatched immediately on rehydrate rather than timed.
func New(st *store.Store, log logger.Logger, rehydrateGrace time.Duration) *Scheduler {
	if rehydrateGrace <= 0 {
		rehydrateGrace = 5 * time.Minute
	}
	return &Scheduler{
		store:          st,
		joblogs:        joblogs.NewService(st.DB()),
		log:            log.Data(logger.Data{"component": "scheduler"}),
		fetchInterval:  defaultFetchInterval,
		rehydrateGrace: rehydrateGrace,
		handlers:       map[string]Handler{},
		timers:         map[int]*time.Timer{},
		shutdown:       make(chan struct{}),
		doneFetch:      make(chan struct{}),
	}
}

// RegisterHandler wires a job type to its execution handler. Call
// before Start.
func (s *Scheduler) RegisterHandler(jobType string, h Handler) {
	s.handlers[jobType] = h
}

// Schedule persists a new job and registers its one-shot timer,
// returning the created row (§4.G "schedule(type, payload, run_at)").
func (s *Scheduler) Schedule(ctx context.Context, jobType string, payload interface{}, runAt time.Time) (*models.ScheduledJob, error) {
	job, err := s.store.InsertScheduledJob(ctx, jobType, payload, runAt)
	if err != nil {
		return nil, err
	}
	if err := job.UnmarshalData(); err != nil {
		return nil, err
	}
	s.registerTimer(job)
	return job, nil
}

// Cancel transitions a still-scheduled job to cancelled and unregisters
// its local timer, if any (§4.G "cancel(id) ... fails if the timer has
// already fired and the state is dispatched").
func (s *Scheduler) Cancel(ctx context.Context, id int) error {
	ok, err := s.store.MarkCancelled(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errcodes.PerItem("already_dispatched", "job has already started and cannot be cancelled")
	}

	s.mu.Lock()
	if t, found := s.timers[id]; found {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	return nil
}

// Rehydrate reads every row in state scheduled with run_at in the
// bounded lookback window or the future, and re-registers a timer for
// each — executing immediately any whose run_at has already passed by
// more than the configured grace window (§4.G).
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	jobs, err := s.store.ListPending(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, job := range jobs {
		if now.Sub(job.RunAt) > s.rehydrateGrace {
			s.log.Info("rehydrated job is overdue past grace window, dispatching immediately", logger.Data{
				"job_id": job.ID, "type": job.Type, "run_at": job.RunAt,
			})
			go s.dispatch(context.Background(), job)
			continue
		}
		s.registerTimer(job)
	}
	return nil
}

// Start runs Rehydrate once synchronously, then begins the periodic
// fetch loop that picks up rows this process has not yet timed
// (including ones inserted by another process).
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Rehydrate(ctx); err != nil {
		return err
	}
	go s.fetchLoop()
	return nil
}

// Shutdown stops the fetch loop and every still-pending local timer.
// Jobs already dispatched continue running to completion; Shutdown
// does not interrupt an in-flight handler.
func (s *Scheduler) Shutdown() {
	close(s.shutdown)
	<-s.doneFetch

	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) fetchLoop() {
	ticker := time.NewTicker(s.fetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			s.doneFetch <- struct{}{}
			return
		case <-ticker.C:
			jobs, err := s.store.ListPending(context.Background())
			if err != nil {
				s.log.Err(err).Error("failed to list pending scheduled jobs", nil)
				continue
			}
			s.mu.Lock()
			for _, job := range jobs {
				if _, found := s.timers[job.ID]; !found {
					s.registerTimerLocked(job)
				}
			}
			metrics.SchedulerPendingJobs.Set(float64(len(s.timers)))
			s.mu.Unlock()
		}
	}
}

// registerTimer acquires the lock and delegates; split out so Schedule
// and Rehydrate can call it without duplicating the lock dance.
func (s *Scheduler) registerTimer(job *models.ScheduledJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerTimerLocked(job)
}

func (s *Scheduler) registerTimerLocked(job *models.ScheduledJob) {
	delay := time.Until(job.RunAt)
	if delay < 0 {
		delay = 0
	}
	jobID := job.ID
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.dispatch(context.Background(), job)
		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()
	})
}

// dispatch performs the atomic scheduled→dispatched claim and, only on
// success, runs the registered handler. A claim failure means another
// process (or an intervening Cancel) already decided this job's fate;
// that is the normal, expected outcome of concurrent dispatch, not an
// error (§8 "scheduler at-most-once").
func (s *Scheduler) dispatch(ctx context.Context, job *models.ScheduledJob) {
	log := s.log.Data(logger.Data{"job_id": job.ID, "type": job.Type})
	jlog := s.joblogs.NewJobLogger(ctx, job.ID, log)

	claimed, err := s.store.MarkDispatched(ctx, job.ID, nil)
	if err != nil {
		log.Err(err).Error("failed to claim scheduled job", nil)
		return
	}
	if !claimed {
		log.Debug("scheduled job already claimed or cancelled elsewhere", nil)
		return
	}

	jlog.Info("scheduled job dispatching", logger.Data{"type": job.Type})

	handler, ok := s.handlers[job.Type]
	if !ok {
		msg := "no handler registered for job type"
		jlog.Error(msg, errors.New(msg), nil)
		_ = s.store.SetLastError(ctx, job.ID, msg)
		metrics.SchedulerJobsDispatched.WithLabelValues(job.Type, "no_handler").Inc()
		return
	}

	if err := handler(ctx, job); err != nil {
		jlog.Error("scheduled job handler failed", err, nil)
		if setErr := s.store.SetLastError(ctx, job.ID, err.Error()); setErr != nil {
			log.Err(setErr).Error("failed to record job failure", nil)
		}
		metrics.SchedulerJobsDispatched.WithLabelValues(job.Type, "error").Inc()
		return
	}

	metrics.SchedulerJobsDispatched.WithLabelValues(job.Type, "success").Inc()
	jlog.Info("scheduled job dispatched successfully", nil)
}
