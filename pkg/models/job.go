package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

// Job state, scheduled/dispatched/cancelled
// transition.
const (
	JobStateScheduled = "scheduled"
	JobStateDispatched = "dispatched"
	JobStateCancelled  = "cancelled"
)

// Job types.
const (
	JobTypeAutoSend          = "auto-send"
	JobTypeConvertLibraryRun = "convert-library-run"
	JobTypeEpubFixerRun      = "epub-fixer-run"
)

// ScheduledJob is the persistence record for a scheduled job, owned by
// the scheduler and stored in cwa.db by the state store.
type ScheduledJob struct {
	bun.BaseModel `bun:"table:scheduled_jobs,alias:sj"`

	ID                  int         `bun:",pk,nullzero" json:"id"`
	CreatedAt           time.Time   `json:"created_at"`
	RunAt               time.Time  `json:"run_at"`
	Type                string      `bun:",nullzero" json:"type"`
	State               string      `bun:",nullzero" json:"state"`
	Data                string      `bun:",nullzero" json:"-"`
	DataParsed          interface{} `bun:"-" json:"data"`
	ExternalSchedulerID *string     `json:"external_scheduler_id,omitempty"`
	LastError           *string     `json:"last_error,omitempty"`
	ProcessID           *string     `json:"process_id,omitempty"`
}

// UnmarshalData decodes Data into the payload type appropriate to Type.
func (job *ScheduledJob) UnmarshalData() error {
	switch job.Type {
	case JobTypeAutoSend:
		job.DataParsed = &AutoSendPayload{}
	case JobTypeConvertLibraryRun:
		job.DataParsed = &ConvertLibraryRunPayload{}
	case JobTypeEpubFixerRun:
		job.DataParsed = &EpubFixerRunPayload{}
	default:
		return errors.Errorf("unknown scheduled job type %q", job.Type)
	}

	if err := json.Unmarshal([]byte(job.Data), job.DataParsed); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// AutoSendPayload is the payload for JobTypeAutoSend.
type AutoSendPayload struct {
	BookID   int    `json:"book_id"`
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Title    string `json:"title"`
}

// ConvertLibraryRunPayload is the payload for JobTypeConvertLibraryRun.
type ConvertLibraryRunPayload struct{}

// EpubFixerRunPayload is the payload for JobTypeEpubFixerRun.
type EpubFixerRunPayload struct{}
