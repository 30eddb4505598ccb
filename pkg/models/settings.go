package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Automerge collision policies for Library gateway Add.
const (
	AutomergeNewRecord = "new_record"
	AutomergeIgnore    = "ignore"
	AutomergeOverwrite = "overwrite"
)

// Settings is the singleton Settings row owned by the state store.
// There is exactly one row, with ID fixed at 1.
type Settings struct {
	bun.BaseModel `bun:"table:settings,alias:st"`

	ID        int       `bun:",pk" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	AutoBackupImports     bool `default:"true" json:"auto_backup_imports"`
	AutoBackupConversions bool `default:"true" json:"auto_backup_conversions"`
	AutoBackupEpubFixes   bool `default:"true" json:"auto_backup_epub_fixes"`
	AutoZipBackups        bool `default:"false" json:"auto_zip_backups"`

	AutoConvert             bool     `default:"true" json:"auto_convert"`
	AutoConvertTargetFormat string   `default:"epub" json:"auto_convert_target_format" validate:"required"`
	AutoConvertIgnoredFormats []string `json:"auto_convert_ignored_formats" mod:"dive,trim"`
	AutoIngestIgnoredFormats  []string `json:"auto_ingest_ignored_formats" mod:"dive,trim"`
	AutoConvertRetainedFormats []string `json:"auto_convert_retained_formats" mod:"dive,trim"`

	AutoIngestAutomerge string `default:"new_record" json:"auto_ingest_automerge" validate:"required,oneof=new_record ignore overwrite"`

	IngestTimeoutMinutes int `default:"60" json:"ingest_timeout_minutes" validate:"required,min=1"`

	AutoMetadataEnforcement bool `default:"true" json:"auto_metadata_enforcement"`
	KindleEpubFixer         bool `default:"false" json:"kindle_epub_fixer"`

	DuplicateDetectionTitle     bool `default:"true" json:"duplicate_detection_title"`
	DuplicateDetectionAuthor    bool `default:"true" json:"duplicate_detection_author"`
	DuplicateDetectionLanguage  bool `default:"false" json:"duplicate_detection_language"`
	DuplicateDetectionSeries    bool `default:"false" json:"duplicate_detection_series"`
	DuplicateDetectionPublisher bool `default:"false" json:"duplicate_detection_publisher"`
	DuplicateDetectionFormat    bool `default:"false" json:"duplicate_detection_format"`

	MetadataProviderHierarchy []string `json:"metadata_provider_hierarchy" mod:"dive,trim"`
	MetadataProviderEnabled   bool     `default:"true" json:"metadata_provider_enabled"`

	AutoSendDelayMinutes int `default:"5" json:"auto_send_delay_minutes" validate:"min=0"`
}

// SettingsID is the fixed primary key of the singleton Settings row.
const SettingsID = 1
