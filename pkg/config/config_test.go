package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "5001", cfg.Server.Port)
	assert.Equal(t, "audit_tracker.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "backups", cfg.Storage.BackupDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "9090"
  read_timeout: 30s
storage:
  database_path: /var/lib/audit/audit.db
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/var/lib/audit/audit.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched fields keep their defaults
	assert.Equal(t, "backups", cfg.Storage.BackupDir)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644))

	t.Setenv("AUDIT_PORT", "7777")
	t.Setenv("AUDIT_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("AUDIT_READ_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, "/tmp/env.db", cfg.Storage.DatabasePath)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid duration env is ignored", func(t *testing.T) {
		t.Setenv("AUDIT_READ_TIMEOUT", "soon")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	})
}

func TestValidate(t *testing.T) {
	t.Run("empty port", func(t *testing.T) {
		cfg := Default()
		cfg.Server.Port = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty database path", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.DatabasePath = ""
		assert.Error(t, cfg.Validate())
	})
}
