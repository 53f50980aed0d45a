package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, DefaultControlPort, cfg.Server.ControlPort)
	assert.Equal(t, DefaultDataPort, cfg.Server.DataPort)
	assert.Equal(t, DefaultReservationTTL, cfg.Server.ReservationTTL)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.True(t, cfg.Storage.WatchEnabled())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
  format: json
server:
  control_port: 6000
  data_port: 6001
  reservation_ttl: 5s
  session_idle_timeout: 1m
storage:
  data_dir: /tmp/threadline-test
  watch_credentials: false
metrics:
  enabled: true
  port: 9191
shutdown_timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Level is normalized to uppercase.
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 6000, cfg.Server.ControlPort)
	assert.Equal(t, 6001, cfg.Server.DataPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ReservationTTL)
	assert.Equal(t, time.Minute, cfg.Server.SessionIdleTimeout)
	assert.Equal(t, "/tmp/threadline-test", cfg.Storage.DataDir)
	assert.False(t, cfg.Storage.WatchEnabled())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	// Unset fields still get defaults.
	assert.Equal(t, DefaultMaxSessions, cfg.Server.MaxSessions)
	assert.Equal(t, filepath.Join("/tmp/threadline-test", "credentials.txt"), cfg.Storage.CredentialsFile)
}

func TestLoadRejectsInvalidLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: LOUD\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}

func TestStoragePaths(t *testing.T) {
	s := StorageConfig{DataDir: "/srv/threadline"}
	assert.Equal(t, "/srv/threadline/threads", s.ThreadsDir())
	assert.Equal(t, "/srv/threadline/attachments", s.AttachmentsDir())
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Server.ControlPort = 7000
	cfg.Storage.DataDir = "/tmp/threadline-roundtrip"
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, loaded.Server.ControlPort)
	assert.Equal(t, "/tmp/threadline-roundtrip", loaded.Storage.DataDir)
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, InitConfigToPath(path, false))

	// Refuses to overwrite without force.
	err := InitConfigToPath(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, InitConfigToPath(path, true))

	// The sample file parses and validates.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultControlPort, cfg.Server.ControlPort)
	assert.Equal(t, "/var/lib/threadline", cfg.Storage.DataDir)
}
