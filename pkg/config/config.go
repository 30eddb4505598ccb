package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Config holds install-time configuration for the CWA automation core.
// Configure via YAML file (/config/cwa.yaml) or environment variables.
// Environment variables use uppercase with underscores (e.g., INTAKE_DIR).
type Config struct {
	// Database settings: cwa.db is owned by this core; app.db and
	// library_database_file_path are read-mostly collaborators.
	DatabaseFilePath          string        `koanf:"database_file_path" json:"database_file_path" validate:"required"`
	AppDatabaseFilePath       string        `koanf:"app_database_file_path" json:"app_database_file_path"`
	LibraryDatabaseFilePath   string        `koanf:"library_database_file_path" json:"library_database_file_path"`
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count" json:"database_connect_retry_count"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay" json:"database_connect_retry_delay"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries" json:"database_max_retries"`
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout" json:"database_busy_timeout"`
	DatabaseDebug             bool          `koanf:"database_debug" json:"database_debug"`
	NetworkShareMode          bool          `koanf:"network_share_mode" json:"network_share_mode"`

	// Filesystem layout.
	IntakeDir          string `koanf:"intake_dir" json:"intake_dir" validate:"required"`
	FailedDir          string `koanf:"failed_dir" json:"failed_dir"`
	BackupDir          string `koanf:"backup_dir" json:"backup_dir"`
	LibraryDir         string `koanf:"library_dir" json:"library_dir" validate:"required"`
	LockDir            string `koanf:"lock_dir" json:"lock_dir"`
	StatusDir          string `koanf:"status_dir" json:"status_dir"`
	EnforcementLogDir  string `koanf:"enforcement_log_dir" json:"enforcement_log_dir" validate:"required"`
	EnforcementFailDir string `koanf:"enforcement_fail_dir" json:"enforcement_fail_dir"`

	// Library manager and conversion tool CLIs.
	CalibredbBin    string `koanf:"calibredb_bin" json:"calibredb_bin"`
	EbookConvertBin string `koanf:"ebook_convert_bin" json:"ebook_convert_bin"`
	EbookMetaBin    string `koanf:"ebook_meta_bin" json:"ebook_meta_bin"`
	KepubifyBin     string `koanf:"kepubify_bin" json:"kepubify_bin"`
	EpubFixerBin    string `koanf:"epub_fixer_bin" json:"epub_fixer_bin"`

	// Intake/enforcement directory watcher.
	WatchModeOverride      string        `koanf:"watch_mode_override" json:"watch_mode_override" validate:"omitempty,oneof=inotify poll"`
	IntakePollInterval     time.Duration `koanf:"intake_poll_interval" json:"intake_poll_interval"`
	EnforcementPollInterval time.Duration `koanf:"enforcement_poll_interval" json:"enforcement_poll_interval"`

	// Timeouts and budgets.
	IngestTimeoutMinutes int           `koanf:"ingest_timeout_minutes" json:"ingest_timeout_minutes"`
	LockStaleMultiplier  int           `koanf:"lock_stale_multiplier" json:"lock_stale_multiplier"`
	SubprocessTimeout    time.Duration `koanf:"subprocess_timeout" json:"subprocess_timeout"`

	// Ops surface.
	OpsServerHost string `koanf:"ops_server_host" json:"ops_server_host"`
	OpsServerPort int    `koanf:"ops_server_port" json:"ops_server_port"`

	// Time zone for scheduler wall-clock interpretation.
	TimeZone string `koanf:"time_zone" json:"time_zone"`

	// Scheduler auto-send mail transport (the external mail gateway
	// itself, §4.G "auto-send"; this core only renders and hands off).
	SMTPHost     string `koanf:"smtp_host" json:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port" json:"smtp_port"`
	SMTPUsername string `koanf:"smtp_username" json:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password" json:"smtp_password"`
	SMTPFrom     string `koanf:"smtp_from" json:"smtp_from"`

	// Scheduler rehydrate grace window (§4.G): jobs whose run_at has
	// already passed by more than this are dispatched immediately on
	// restart rather than scheduled for a past timer.
	SchedulerRehydrateGrace time.Duration `koanf:"scheduler_rehydrate_grace" json:"scheduler_rehydrate_grace"`

	// Internal settings (computed, not from config file).
	Hostname string `koanf:"-" json:"-"`
}

// defaults returns a Config with default values.
func defaults() *Config {
	return &Config{
		DatabaseConnectRetryCount: 5,
		DatabaseConnectRetryDelay: 2 * time.Second,
		DatabaseMaxRetries:        3,
		DatabaseBusyTimeout:       30 * time.Second,
		DatabaseDebug:             false,
		NetworkShareMode:          false,

		IntakeDir:          "/cwa-book-ingest",
		FailedDir:          "/cwa-book-ingest/failed",
		BackupDir:          "/config/.cwa/backups",
		LibraryDir:         "/calibre-library",
		LockDir:            "/config/.cwa/locks",
		StatusDir:          "/config/.cwa",
		EnforcementLogDir:  "/config/.cwa/metadata_change_logs",
		EnforcementFailDir: "/config/.cwa/metadata_change_logs/enforce_failed",

		CalibredbBin:    "calibredb",
		EbookConvertBin: "ebook-convert",
		EbookMetaBin:    "ebook-meta",
		KepubifyBin:     "kepubify",
		EpubFixerBin:    "kindle-epub-fixer",

		WatchModeOverride:       "",
		IntakePollInterval:      5 * time.Second,
		EnforcementPollInterval: 30 * time.Second,

		IngestTimeoutMinutes: 60,
		LockStaleMultiplier:  2,
		SubprocessTimeout:    300 * time.Second,

		OpsServerHost: "127.0.0.1",
		OpsServerPort: 8083,

		TimeZone: "UTC",

		SMTPPort:                25,
		SchedulerRehydrateGrace: 5 * time.Minute,
	}
}

// New creates a new Config by loading from file and environment variables.
// Load order (later sources override earlier):
//  1. Defaults
//  2. Config file (/config/cwa.yaml or CONFIG_FILE env var)
//  3. Environment variables
func New() (*Config, error) {
	return NewWithConfigFile("")
}

// NewWithConfigFile is New, but overridePath — typically a cmd binary's
// `--config` flag — takes precedence over both the CONFIG_FILE
// environment variable and the built-in default path. An empty
// overridePath falls back to New's usual resolution.
func NewWithConfigFile(overridePath string) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	configPath := overridePath
	if configPath == "" {
		configPath = os.Getenv("CONFIG_FILE")
	}
	if configPath == "" {
		configPath = "/config/cwa.yaml"
	}
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		// File not existing is fine - we'll use defaults and env vars.
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to load config file %s", configPath)
		}
	}

	err := k.Load(env.Provider("", ".", strings.ToLower), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load environment variables")
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get hostname")
	}
	cfg.Hostname = hostname

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewForTest creates a Config for testing with minimal required fields,
// rooted under dir (a t.TempDir()-style scratch directory).
func NewForTest(dir string) *Config {
	cfg := defaults()
	cfg.DatabaseFilePath = ":memory:"
	cfg.DatabaseDebug = true
	cfg.IntakeDir = dir + "/intake"
	cfg.FailedDir = dir + "/intake/failed"
	cfg.BackupDir = dir + "/backups"
	cfg.LibraryDir = dir + "/library"
	cfg.LockDir = dir + "/locks"
	cfg.StatusDir = dir
	cfg.EnforcementLogDir = dir + "/metadata_change_logs"
	cfg.EnforcementFailDir = dir + "/metadata_change_logs/enforce_failed"
	cfg.OpsServerHost = "127.0.0.1"
	cfg.OpsServerPort = 0
	cfg.Hostname = "test-host"
	return cfg
}

// newValidationTranslator registers validator's default English messages
// against validate, the same en-locale universal-translator setup the
// go-playground validator docs wire up for CLI-facing tools.
func newValidationTranslator(validate *validator.Validate) (ut.Translator, error) {
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ := uni.GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, errors.Wrap(err, "failed to register config validation translations")
	}
	return trans, nil
}

// validateConfig validates the config and returns one aggregated,
// user-friendly error listing every invalid field.
func validateConfig(cfg *Config) error {
	validate := validator.New()
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(err, "config validation failed")
	}

	trans, transErr := newValidationTranslator(validate)

	var msgs []string
	for _, e := range validationErrors {
		field := e.StructField()
		tag := e.Tag()
		key := strcase.ToSnake(field)

		switch {
		case tag == "required":
			msgs = append(msgs, fmt.Sprintf(
				"missing required config: %s\n  Set via environment variable: %s\n  Or in config file: %s",
				field, strings.ToUpper(key), key,
			))
		case transErr == nil:
			msgs = append(msgs, fmt.Sprintf("invalid config %s (key %s): %s", field, key, e.Translate(trans)))
		default:
			msgs = append(msgs, fmt.Sprintf("invalid config %s (key %s): failed %s", field, key, tag))
		}
	}

	return errors.New("configuration validation failed:\n\n" + strings.Join(msgs, "\n\n"))
}
