package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Import is an audit record: one row per processed intake file,
// including skipped, dropped and failed ones (Skipped, SkippedAs).
type Import struct {
	bun.BaseModel `bun:"table:imports,alias:im"`

	ID           int       `bun:",pk,autoincrement" json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Filename     string    `bun:",nullzero" json:"filename"`
	BookID       *int      `json:"book_id,omitempty"`
	BackedUp     bool      `json:"backed_up"`
	Duplicate    bool      `json:"duplicate"`
	Skipped      bool      `json:"skipped"`
	SkippedAs    *string   `json:"skipped_as,omitempty"`
}

// Conversion is an audit record for a format conversion.
type Conversion struct {
	bun.BaseModel `bun:"table:conversions,alias:cv"`

	ID             int       `bun:",pk,autoincrement" json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Filename       string    `bun:",nullzero" json:"filename"`
	SourceFormat   string    `bun:",nullzero" json:"source_format"`
	TargetFormat   string    `bun:",nullzero" json:"target_format"`
	BackedUp       bool      `json:"backed_up"`
}

// Enforcement trigger kinds.
const (
	EnforcementTriggerLog         = "log"
	EnforcementTriggerManualSingle = "manual-single"
	EnforcementTriggerManualAll    = "manual-all"
)

// Enforcement is an audit record: one row per coalesced
// metadata-change-log burst for a book.
type Enforcement struct {
	bun.BaseModel `bun:"table:enforcements,alias:en"`

	ID        int       `bun:",pk,autoincrement" json:"id"`
	Timestamp time.Time `json:"timestamp"`
	BookID    int       `json:"book_id"`
	Title     string    `bun:",nullzero" json:"title"`
	Authors   string    `bun:",nullzero" json:"authors"`
	FilePath  string    `bun:",nullzero" json:"file_path"`
	Trigger   string    `bun:",nullzero" json:"trigger"`
}

// EpubFix is an audit record for an epub-fixer run.
type EpubFix struct {
	bun.BaseModel `bun:"table:epub_fixes,alias:ef"`

	ID               int       `bun:",pk,autoincrement" json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Filename         string    `bun:",nullzero" json:"filename"`
	ManuallyTriggered bool     `json:"manually_triggered"`
	FixCount         int       `json:"fix_count"`
	FixesApplied     string    `bun:",nullzero" json:"fixes_applied"` // JSON array of strings
	Path             string    `bun:",nullzero" json:"path"`
	BackedUp         bool      `json:"backed_up"`
}

// UserActivity is an append-only statistics event log.
type UserActivity struct {
	bun.BaseModel `bun:"table:user_activity,alias:ua"`

	ID        int       `bun:",pk,autoincrement" json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    *int      `json:"user_id,omitempty"`
	Event     string    `bun:",nullzero" json:"event"`
	Detail    *string   `json:"detail,omitempty"`
}
