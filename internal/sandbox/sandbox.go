// Package sandbox parses the root-owned `sandbox.toml` filesystem
// allowlist and applies the resource limits it names to a freshly
// spawned agent subprocess. It is consumed only by internal/runner: the
// runner is the single writer of its user's process table and the only
// component that ever calls exec.
package sandbox

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"
)

// Config is the decoded shape of sandbox.toml. A zero Config disables
// every check: the allowlist and the rlimits are both optional, and the
// platform's only other isolation layer is the per-user OS identity
// itself.
type Config struct {
	// AllowedPathPrefixes restricts the working directory a spawned
	// agent process may be started in. Empty means unrestricted.
	AllowedPathPrefixes []string `toml:"allowed_path_prefixes"`

	// Rlimits, all optional; zero means "don't touch this limit."
	CPUSeconds uint64 `toml:"cpu_seconds"`
	MemBytes   uint64 `toml:"mem_bytes"`
	MaxFDs     uint64 `toml:"max_fds"`
}

// Load reads path (normally Paths.SandboxFilePath(), root-owned and
// outside the calling user's XDG tree). A missing file is not an error —
// the allowlist is optional — it just yields the zero Config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read sandbox config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse sandbox config: %w", err)
	}
	return cfg, nil
}

// CheckPath enforces the filesystem allowlist against a spawn request's
// working directory. A Config with no AllowedPathPrefixes permits
// anything — the allowlist is opt-in.
func (c *Config) CheckPath(path string) error {
	if c == nil || len(c.AllowedPathPrefixes) == 0 {
		return nil
	}
	for _, prefix := range c.AllowedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the sandbox allowlist", path)
}

// ApplyRlimits sets whichever resource limits c configures on pid via
// unix.Prlimit, after the process has started. Only limits the operator
// explicitly configured are touched, and a rejected Prlimit is reported
// through warn rather than failing the spawn (the child is already
// running).
func (c *Config) ApplyRlimits(pid int, warn func(resource string, err error)) {
	if c == nil {
		return
	}
	type pair struct {
		name     string
		resource int
		value    uint64
	}
	pairs := []pair{
		{"cpu", unix.RLIMIT_CPU, c.CPUSeconds},
		{"as", unix.RLIMIT_AS, c.MemBytes},
		{"nofile", unix.RLIMIT_NOFILE, c.MaxFDs},
	}
	for _, p := range pairs {
		if p.value == 0 {
			continue
		}
		lim := unix.Rlimit{Cur: p.value, Max: p.value}
		if err := unix.Prlimit(pid, p.resource, &lim, nil); err != nil && warn != nil {
			warn(p.name, err)
		}
	}
}
