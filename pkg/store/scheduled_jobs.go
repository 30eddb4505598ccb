package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/crocodilestick/cwa-core/pkg/errcodes"
	"github.com/crocodilestick/cwa-core/pkg/models"
)

// rehydrateLookback bounds how far into the past ListPending looks, so a
// long-stopped scheduler does not flood on restart with stale work.
const rehydrateLookback = 24 * time.Hour

// InsertScheduledJob persists a new ScheduledJob row and returns it.
func (s *Store) InsertScheduledJob(ctx context.Context, jobType string, payload interface{}, runAt time.Time) (*models.ScheduledJob, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	job := &models.ScheduledJob{
		CreatedAt: time.Now(),
		RunAt:     runAt,
		Type:      jobType,
		State:     models.JobStateScheduled,
		Data:      string(data),
	}

	_, err = s.db.NewInsert().Model(job).Returning("*").Exec(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return job, nil
}

// RetrieveScheduledJob loads a single job by id.
func (s *Store) RetrieveScheduledJob(ctx context.Context, id int) (*models.ScheduledJob, error) {
	job := &models.ScheduledJob{}

	err := s.db.NewSelect().Model(job).Where("sj.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("ScheduledJob")
		}
		return nil, errors.WithStack(err)
	}

	if err := job.UnmarshalData(); err != nil {
		return nil, errors.WithStack(err)
	}

	return job, nil
}

// ListPending returns jobs with state=scheduled and run_at within the
// bounded lookback window or the future, for use by the scheduler's
// rehydrate step on startup.
func (s *Store) ListPending(ctx context.Context) ([]*models.ScheduledJob, error) {
	jobs := []*models.ScheduledJob{}

	err := s.db.NewSelect().
		Model(&jobs).
		Where("sj.state = ?", models.JobStateScheduled).
		Where("sj.run_at >= ?", time.Now().Add(-rehydrateLookback)).
		Order("sj.run_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, job := range jobs {
		if err := job.UnmarshalData(); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	return jobs, nil
}

// MarkDispatched atomically transitions a job scheduled → dispatched in
// the same statement that the executor uses to claim the payload,
// giving at-most-once semantics across processes. Returns false, nil if
// another worker already claimed
// it (no rows matched scheduled state).
func (s *Store) MarkDispatched(ctx context.Context, id int, lastError *string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.ScheduledJob)(nil)).
		Set("state = ?", models.JobStateDispatched).
		Set("last_error = ?", lastError).
		Where("id = ?", id).
		Where("state = ?", models.JobStateScheduled).
		Exec(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n > 0, nil
}

// SetLastError records a handler failure against an already-dispatched
// job (§4.G "if a job's handler raises, the row is marked dispatched
// ... and last_error is set; no automatic retry"). Unlike
// MarkDispatched this does not gate on current state: the dispatch
// transition already happened before the handler ran.
func (s *Store) SetLastError(ctx context.Context, id int, lastError string) error {
	_, err := s.db.NewUpdate().
		Model((*models.ScheduledJob)(nil)).
		Set("last_error = ?", lastError).
		Where("id = ?", id).
		Exec(ctx)
	return errors.WithStack(err)
}

// MarkCancelled atomically transitions a job scheduled → cancelled
// Returns false, nil if the job was not in scheduled
// state (already dispatched, or already cancelled).
func (s *Store) MarkCancelled(ctx context.Context, id int) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.ScheduledJob)(nil)).
		Set("state = ?", models.JobStateCancelled).
		Where("id = ?", id).
		Where("state = ?", models.JobStateScheduled).
		Exec(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return n > 0, nil
}
