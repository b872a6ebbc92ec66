package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv(EnvHostsyncHomeDir, home)

	var cfg EnvConfig
	require.NoError(t, cfg.Load())

	assert.Equal(t, home, cfg.Home())
	assert.DirExists(t, home)
	assert.Equal(t, DefaultBarrierPort, cfg.Barrier.Port)
	assert.Equal(t, 10*time.Second, cfg.Barrier.ConnectTimeout.D())
	assert.Equal(t, time.Second, cfg.Barrier.RetryBackoff.D())
	assert.Equal(t, DefaultSyncDataPort, cfg.SyncData.Port)
	assert.Equal(t, 10*time.Second, cfg.SyncData.IOTimeout.D())
	assert.Equal(t, DefaultListenAddr, cfg.Daemon.Listen)
}

func TestLoadFileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHostsyncHomeDir, home)

	toml := `
[barrier]
port = 7000
retry_backoff = "250ms"

[syncdata]
sweep_interval = "1m"
`
	require.NoError(t, os.WriteFile(filepath.Join(home, ".env.toml"), []byte(toml), 0o644))
	t.Setenv(EnvSyncDataPort, "7001")
	t.Setenv(EnvDaemonListen, "127.0.0.1:9000")

	var cfg EnvConfig
	require.NoError(t, cfg.Load())

	assert.Equal(t, 7000, cfg.Barrier.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Barrier.RetryBackoff.D())
	assert.Equal(t, 10*time.Second, cfg.Barrier.ConnectTimeout.D(), "unset values fall back to defaults")
	assert.Equal(t, 7001, cfg.SyncData.Port)
	assert.Equal(t, time.Minute, cfg.SyncData.SweepInterval.D())
	assert.Equal(t, "127.0.0.1:9000", cfg.Daemon.Listen)
}

func TestLoadRejectsInvalid(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHostsyncHomeDir, home)

	t.Setenv(EnvBarrierPort, "70000")
	var cfg EnvConfig
	assert.Error(t, cfg.Load())

	t.Setenv(EnvBarrierPort, "not-a-port")
	cfg = EnvConfig{}
	assert.Error(t, cfg.Load())
}

func TestLoadRejectsBadFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHostsyncHomeDir, home)
	require.NoError(t, os.WriteFile(filepath.Join(home, ".env.toml"), []byte(`[barrier]
connect_timeout = "forever"
`), 0o644))

	var cfg EnvConfig
	assert.Error(t, cfg.Load())
}
