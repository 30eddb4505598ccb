package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiredFieldMissing(t *testing.T) {
	t.Setenv("DATABASE_FILE_PATH", "")
	t.Setenv("INTAKE_DIR", "")
	t.Setenv("CONFIG_FILE", "/nonexistent/config.yaml")

	cfg, err := New()
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required config")
	assert.Contains(t, err.Error(), "DATABASE_FILE_PATH")
	assert.Contains(t, err.Error(), "database_file_path")
}

func TestNew_WithEnvVar(t *testing.T) {
	t.Setenv("DATABASE_FILE_PATH", "/tmp/test.db")
	t.Setenv("INTAKE_DIR", "/tmp/intake")
	t.Setenv("LIBRARY_DIR", "/tmp/library")
	t.Setenv("ENFORCEMENT_LOG_DIR", "/tmp/logs")
	t.Setenv("CONFIG_FILE", "/nonexistent/config.yaml")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.DatabaseFilePath)
}

func TestNew_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database_file_path: /data/cwa.db
intake_dir: /data/intake
library_dir: /data/library
enforcement_log_dir: /data/metadata_change_logs
ops_server_port: 8080
database_debug: true
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	t.Setenv("CONFIG_FILE", configPath)

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "/data/cwa.db", cfg.DatabaseFilePath)
	assert.Equal(t, 8080, cfg.OpsServerPort)
	assert.True(t, cfg.DatabaseDebug)
}

func TestNew_EnvVarOverridesConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database_file_path: /data/from-file.db
intake_dir: /data/intake
library_dir: /data/library
enforcement_log_dir: /data/metadata_change_logs
ops_server_port: 8080
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	t.Setenv("CONFIG_FILE", configPath)
	t.Setenv("DATABASE_FILE_PATH", "/data/from-env.db")
	t.Setenv("OPS_SERVER_PORT", "9090")

	cfg, err := New()
	require.NoError(t, err)
	// Env vars should override config file.
	assert.Equal(t, "/data/from-env.db", cfg.DatabaseFilePath)
	assert.Equal(t, 9090, cfg.OpsServerPort)
}

func TestNew_Defaults(t *testing.T) {
	t.Setenv("DATABASE_FILE_PATH", "/tmp/test.db")
	t.Setenv("INTAKE_DIR", "/tmp/intake")
	t.Setenv("LIBRARY_DIR", "/tmp/library")
	t.Setenv("ENFORCEMENT_LOG_DIR", "/tmp/logs")
	t.Setenv("CONFIG_FILE", "/nonexistent/config.yaml")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.DatabaseConnectRetryCount)
	assert.Equal(t, 2*time.Second, cfg.DatabaseConnectRetryDelay)
	assert.False(t, cfg.DatabaseDebug)
	assert.Equal(t, 60, cfg.IngestTimeoutMinutes)
	assert.Equal(t, 2, cfg.LockStaleMultiplier)
	assert.Equal(t, 5*time.Second, cfg.IntakePollInterval)
	assert.Equal(t, 30*time.Second, cfg.EnforcementPollInterval)
}

func TestNew_IngestTimeoutFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database_file_path: /data/cwa.db
intake_dir: /data/intake
library_dir: /data/library
enforcement_log_dir: /data/metadata_change_logs
ingest_timeout_minutes: 30
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	t.Setenv("CONFIG_FILE", configPath)

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.IngestTimeoutMinutes)
}

func TestNew_IngestTimeoutFromEnv(t *testing.T) {
	t.Setenv("DATABASE_FILE_PATH", "/tmp/test.db")
	t.Setenv("INTAKE_DIR", "/tmp/intake")
	t.Setenv("LIBRARY_DIR", "/tmp/library")
	t.Setenv("ENFORCEMENT_LOG_DIR", "/tmp/logs")
	t.Setenv("INGEST_TIMEOUT_MINUTES", "15")
	t.Setenv("CONFIG_FILE", "/nonexistent/config.yaml")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.IngestTimeoutMinutes)
}

func TestNewForTest(t *testing.T) {
	dir := t.TempDir()
	cfg := NewForTest(dir)
	assert.Equal(t, ":memory:", cfg.DatabaseFilePath)
	assert.Equal(t, "127.0.0.1", cfg.OpsServerHost)
	assert.Equal(t, 60, cfg.IngestTimeoutMinutes)
}

func TestValidateConfig_SnakeCaseKeys(t *testing.T) {
	cfg := defaults()
	cfg.DatabaseFilePath = ""
	cfg.IntakeDir = ""
	cfg.LibraryDir = ""
	cfg.EnforcementLogDir = ""

	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_file_path")
	assert.Contains(t, err.Error(), "intake_dir")
	assert.Contains(t, err.Error(), "library_dir")
	assert.Contains(t, err.Error(), "enforcement_log_dir")
}

func TestValidateConfig_TranslatesNonRequiredTag(t *testing.T) {
	cfg := defaults()
	cfg.DatabaseFilePath = "/tmp/test.db"
	cfg.IntakeDir = "/tmp/intake"
	cfg.LibraryDir = "/tmp/library"
	cfg.EnforcementLogDir = "/tmp/logs"
	cfg.WatchModeOverride = "bogus"

	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch_mode_override")
	assert.Contains(t, err.Error(), "one of")
}
