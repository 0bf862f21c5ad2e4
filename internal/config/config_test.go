package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.Scheduler.AutoRefresh)
	assert.Equal(t, 5, cfg.Scheduler.RefreshIntervalMinutes)
	assert.Equal(t, 30, cfg.Scheduler.RetentionDays)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
port: 9090
database-path: /tmp/usage.db
request-timeout: 3s
scheduler:
  refresh-interval-minutes: 15
  auto-refresh: false
auth:
  username: admin
  password: secret
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("AICT_PORT", "7070")
	t.Setenv("AICT_SCHEDULER__RETENTION_DAYS", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "/tmp/usage.db", cfg.DatabasePath)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.Scheduler.AutoRefresh)
	assert.Equal(t, 15, cfg.Scheduler.RefreshIntervalMinutes)
	assert.Equal(t, 7, cfg.Scheduler.RetentionDays)
	assert.Equal(t, "admin", cfg.Auth.Username)
	assert.Equal(t, "127.0.0.1", cfg.Host, "unset keys keep their defaults")
}

func TestLoadConfigRejectsInvalidPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 70000\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "database-path", envKey("AICT_DATABASE_PATH"))
	assert.Equal(t, "scheduler.auto-refresh", envKey("AICT_SCHEDULER__AUTO_REFRESH"))
}

func TestSettingsStore(t *testing.T) {
	store := NewSettingsStore(SchedulerConfig{RefreshIntervalMinutes: 5, AutoRefresh: true})
	assert.Equal(t, RefreshSettings{RefreshIntervalMinutes: 5, AutoRefreshEnabled: true}, store.Get())

	require.NoError(t, store.Update(RefreshSettings{RefreshIntervalMinutes: 10}))
	assert.Equal(t, 10, store.Get().RefreshIntervalMinutes)
	assert.False(t, store.Get().AutoRefreshEnabled)

	assert.Error(t, store.Update(RefreshSettings{RefreshIntervalMinutes: 0}))
	assert.Equal(t, 10, store.Get().RefreshIntervalMinutes)
}

func TestGeminiClientFallsBackToEnv(t *testing.T) {
	t.Setenv("GEMINI_OAUTH_CLIENT_ID", "env-id")
	t.Setenv("GEMINI_OAUTH_CLIENT_SECRET", "env-secret")

	cfg := DefaultConfig()
	id, secret := cfg.GeminiClient()
	assert.Equal(t, "env-id", id)
	assert.Equal(t, "env-secret", secret)

	cfg.Gemini.ClientID = "file-id"
	id, _ = cfg.GeminiClient()
	assert.Equal(t, "file-id", id)
}
