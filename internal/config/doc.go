// Package config provides configuration loading and XDG path management
// for the control plane, the user-manager daemon, and the per-user
// runner.
//
// # Configuration loading
//
// Load reads config.toml (BurntSushi/toml) on top of the built-in
// Default, then applies a small set of environment overrides
// (OCTOPLANE_DATABASE_PATH, OCTOPLANE_SERVER_URL, OCTOPLANE_DEV_USER). A
// missing file is not an error; a malformed one is.
//
// # Path management
//
// Paths follows the XDG Base Directory Specification:
//   - Data: ~/.local/share/octoplane (XDG_DATA_HOME)
//   - Config: ~/.config/octoplane (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/octoplane (XDG_CACHE_HOME)
//   - State: ~/.local/state/octoplane (XDG_STATE_HOME)
//   - Runtime: $XDG_RUNTIME_DIR/octoplane
//
// The root-owned sandbox allowlist lives outside XDG, at
// /etc/octoplane/sandbox.toml, since regular users must not be able to
// write it.
package config
