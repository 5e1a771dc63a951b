// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for octoplane data.
type Paths struct {
	Data    string // ~/.local/share/octoplane
	Config  string // ~/.config/octoplane
	Cache   string // ~/.cache/octoplane
	State   string // ~/.local/state/octoplane
	Runtime string // $XDG_RUNTIME_DIR/octoplane
}

// GetPaths returns the standard paths for octoplane data.
func GetPaths() *Paths {
	return &Paths{
		Data:    filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "octoplane"),
		Config:  filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "octoplane"),
		Cache:   filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "octoplane"),
		State:   filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "octoplane"),
		Runtime: filepath.Join(getEnvOrDefault("XDG_RUNTIME_DIR", "/tmp"), "octoplane"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State, p.Runtime} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the path to the sessions/users sqlite database,
// honoring OCTOPLANE_DATABASE_PATH.
func (p *Paths) DatabasePath() string {
	if v := os.Getenv("OCTOPLANE_DATABASE_PATH"); v != "" {
		return v
	}
	return filepath.Join(p.Data, "octoplane.db")
}

// ConfigFilePath returns the path to the main config.toml.
func (p *Paths) ConfigFilePath() string {
	return filepath.Join(p.Config, "config.toml")
}

// SandboxFilePath returns the path to the root-owned workspace/filesystem
// allowlist consumed by the runner.
func (p *Paths) SandboxFilePath() string {
	return "/etc/octoplane/sandbox.toml"
}

// RunnerSocketDir returns the directory holding per-user runner sockets.
func (p *Paths) RunnerSocketDir() string {
	return "/run/octoplane/runner-sockets"
}

// RunnerSocketPath returns the deterministic socket path for a Linux user.
func (p *Paths) RunnerSocketPath(linuxUsername string) string {
	return filepath.Join(p.RunnerSocketDir(), linuxUsername, "runner.sock")
}

// UserManagerSocketPath returns the socket path for the root-owned
// user-manager daemon.
func (p *Paths) UserManagerSocketPath() string {
	return "/run/octoplane/usermgr.sock"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}
