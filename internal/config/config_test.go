package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 41820, cfg.Session.BasePort)
	assert.Equal(t, 5, cfg.Session.MaxConcurrentSessions)
	assert.False(t, cfg.SingleUser)
	assert.Equal(t, "octo_", cfg.UserMgr.UsernamePrefix)
}

func TestLoadMissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := Load(filepath.Join(tmpDir, "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, 41820, cfg.Session.BasePort)
}

func TestLoadOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	contents := `
single_user = true

[log]
level = "debug"
[log.components]
"session.reconcile" = "trace"

[server]
host = "127.0.0.1"
port = 9090

[session]
base_port = 50000
max_concurrent_sessions = 2

[usermgr]
cleanup_on_partial_failure = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.SingleUser)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50000, cfg.Session.BasePort)
	assert.Equal(t, 2, cfg.Session.MaxConcurrentSessions)
	assert.True(t, cfg.UserMgr.CleanupOnPartialFailure)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "trace", cfg.Log.Components["session.reconcile"])

	// Fields not present in the file keep their defaults.
	assert.Equal(t, 30, int(cfg.Session.IdleTimeout.Minutes()))
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not valid = = toml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OCTOPLANE_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("OCTOPLANE_DEV_USER", "alice")

	tmpDir := t.TempDir()
	cfg, err := Load(filepath.Join(tmpDir, "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.True(t, cfg.CORS.DevMode)
}

func TestSaveAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.Session.BasePort = 42000
	require.NoError(t, Save(cfg, path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42000, reloaded.Session.BasePort)
}
