package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileYieldsZeroConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.AllowedPathPrefixes)
	assert.Zero(t, cfg.CPUSeconds)
}

func TestLoad_ParsesAllowlistAndRlimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.toml")
	content := `
allowed_path_prefixes = ["/home/octoplane_alice/"]
cpu_seconds = 30
mem_bytes = 4294967296
max_fds = 256
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/octoplane_alice/"}, cfg.AllowedPathPrefixes)
	assert.Equal(t, uint64(30), cfg.CPUSeconds)
	assert.Equal(t, uint64(4294967296), cfg.MemBytes)
	assert.Equal(t, uint64(256), cfg.MaxFDs)
}

func TestCheckPath_NoAllowlistPermitsAnything(t *testing.T) {
	cfg := &Config{}
	assert.NoError(t, cfg.CheckPath("/anything"))
	var nilCfg *Config
	assert.NoError(t, nilCfg.CheckPath("/anything"))
}

func TestCheckPath_RejectsPathOutsideAllowlist(t *testing.T) {
	cfg := &Config{AllowedPathPrefixes: []string{"/home/octoplane_alice/"}}
	assert.NoError(t, cfg.CheckPath("/home/octoplane_alice/workspace"))
	assert.Error(t, cfg.CheckPath("/home/octoplane_bob/workspace"))
}
