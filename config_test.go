package ensemble

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ensembled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDaemonConfig_Full(t *testing.T) {
	path := writeConfig(t, `
region: eu-west
admin_addr: 127.0.0.1:9090
log_level: debug
lifecycle:
  idle_timeout: 90s
  save_interval: 500ms
placement:
  wait: 5s
  reschedule_wait: 30s
  serverless_pools: [burst, gpu-burst]
runners:
  suspect_after: 5s
  lost_after: 15s
  drain_grace: 2m
  drain_on_upgrade: false
timers:
  recovery_interval: 10s
`)

	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "eu-west", cfg.Region)
	assert.Equal(t, "127.0.0.1:9090", cfg.AdminAddr)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, 90*time.Second, time.Duration(cfg.Lifecycle.IdleTimeout))
	assert.Equal(t, 500*time.Millisecond, time.Duration(cfg.Lifecycle.SaveInterval))
	assert.Equal(t, []string{"burst", "gpu-burst"}, cfg.Placement.ServerlessPools)
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Runners.DrainGrace))
	require.NotNil(t, cfg.Runners.DrainOnUpgrade)
	assert.False(t, *cfg.Runners.DrainOnUpgrade)
}

func TestLoadDaemonConfig_BadDuration(t *testing.T) {
	path := writeConfig(t, "lifecycle:\n  idle_timeout: ninety\n")
	_, err := LoadDaemonConfig(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoadDaemonConfig_MissingFile(t *testing.T) {
	_, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestDaemonConfig_SlogLevelFallback(t *testing.T) {
	cfg := &DaemonConfig{LogLevel: "verbose"}
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	cfg.LogLevel = "error"
	assert.Equal(t, slog.LevelError, cfg.SlogLevel())
}

func TestDaemonConfig_OptionsApplyToOrchestrator(t *testing.T) {
	path := writeConfig(t, `
region: ap-south
lifecycle:
  idle_timeout: 45s
runners:
  suspect_after: 3s
  lost_after: 9s
`)
	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)

	o := New(cfg.Options()...)
	assert.Equal(t, "ap-south", o.region)
	assert.Equal(t, 45*time.Second, o.config.idleTimeout)
	assert.Equal(t, 3*time.Second, o.config.suspectAfter)
	assert.Equal(t, 9*time.Second, o.config.lostAfter)
}
