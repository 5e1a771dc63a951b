package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/octoplane/octoplane/internal/logging"
)

// Config is the control plane's effective settings, loaded from
// config.toml with environment-variable overrides applied on top.
type Config struct {
	SingleUser bool `toml:"single_user"`

	Log        logging.Config   `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Session    SessionConfig    `toml:"session"`
	UserMgr    UserMgrConfig    `toml:"usermgr"`
	Proxy      ProxyConfig      `toml:"proxy"`
	CORS       CORSConfig       `toml:"cors"`
	Database   DatabaseConfig   `toml:"database"`
	Onboarding OnboardingConfig `toml:"onboarding"`
	Auth       AuthConfig       `toml:"auth"`
	Agents     AgentsConfig     `toml:"agents"`
}

// AgentsConfig controls the per-user mmry/sldr process pool: the
// binaries to spawn and the range the lazily-allocated per-user
// mmry/sldr ports are drawn from.
type AgentsConfig struct {
	MmryBinary string `toml:"mmry_binary"`
	SldrBinary string `toml:"sldr_binary"`
	MinPort    int    `toml:"min_port"`
	MaxPort    int    `toml:"max_port"`
}

// AuthConfig controls JWT issuance and registration gating.
type AuthConfig struct {
	JWTSecret      string        `toml:"jwt_secret"`
	TokenTTL       time.Duration `toml:"token_ttl"`
	InviteRequired bool          `toml:"invite_required"`
}

// ServerConfig controls the control plane's HTTP listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// VoiceUpstreamURL is the external voice STT/TTS WebSocket endpoint
	// the /ws/voice route bridges to; empty disables the route.
	VoiceUpstreamURL string `toml:"voice_upstream_url"`
}

// SessionConfig controls port allocation, concurrency caps, and idle
// eviction for the session service.
type SessionConfig struct {
	BasePort             int           `toml:"base_port"`
	DefaultImage         string        `toml:"default_image"`
	MaxConcurrentSessions int          `toml:"max_concurrent_sessions"`
	DefaultMaxAgents     int           `toml:"default_max_agents"`
	IdleTimeout          time.Duration `toml:"idle_timeout"`
	IdleCheckInterval     time.Duration `toml:"idle_check_interval"`
	StartupHealthTimeout time.Duration `toml:"startup_health_timeout"`
	ReconcileInterval    time.Duration `toml:"reconcile_interval"`
}

// UserMgrConfig controls the root-owned user-manager daemon.
type UserMgrConfig struct {
	SocketPath              string `toml:"socket_path"`
	CleanupOnPartialFailure bool   `toml:"cleanup_on_partial_failure"`
	UsernamePrefix          string `toml:"username_prefix"`
	Group                   string `toml:"group"`
	HomeRoot                string `toml:"home_root"`
	MinUID                  int    `toml:"min_uid"`
	MaxUID                  int    `toml:"max_uid"`
}

// ProxyConfig controls the HTTP/WS proxy layer in front of per-user
// agent processes.
type ProxyConfig struct {
	MaxBodyBytes   int64         `toml:"max_proxy_body_bytes"`
	StartupWindow  time.Duration `toml:"startup_window"`
	RetryUnit      time.Duration `toml:"retry_unit"`
	MaxRetryDelay  time.Duration `toml:"max_retry_delay"`
}

// CORSConfig controls the allowed origins for browser clients.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
	DevMode        bool     `toml:"dev_mode"`
}

// DatabaseConfig controls the sqlite-backed repository.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// OnboardingConfig controls the first-run unlock sequence.
type OnboardingConfig struct {
	Godmode bool `toml:"godmode"`
}

// Default returns the configuration the platform ships with, matching
// the reference deployment (base_port 41820, five concurrent
// sessions per user, a thirty-minute idle timeout).
func Default() *Config {
	paths := GetPaths()
	return &Config{
		SingleUser: false,
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Session: SessionConfig{
			BasePort:              41820,
			DefaultImage:          "octoplane/workspace:latest",
			MaxConcurrentSessions: 5,
			DefaultMaxAgents:      4,
			IdleTimeout:           30 * time.Minute,
			IdleCheckInterval:     1 * time.Minute,
			StartupHealthTimeout:  30 * time.Second,
			ReconcileInterval:     1 * time.Minute,
		},
		UserMgr: UserMgrConfig{
			SocketPath:              paths.UserManagerSocketPath(),
			CleanupOnPartialFailure: false,
			UsernamePrefix:          "octo_",
			Group:                   "octoplane",
			HomeRoot:                "/home",
			MinUID:                  20000,
			MaxUID:                  29999,
		},
		Proxy: ProxyConfig{
			MaxBodyBytes:  10 << 20,
			StartupWindow: 20 * time.Second,
			RetryUnit:     100 * time.Millisecond,
			MaxRetryDelay: 2 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{},
			DevMode:        false,
		},
		Database: DatabaseConfig{
			Path: paths.DatabasePath(),
		},
		Auth: AuthConfig{
			TokenTTL:       24 * time.Hour,
			InviteRequired: true,
		},
		Agents: AgentsConfig{
			MmryBinary: "/usr/local/bin/mmry",
			SldrBinary: "/usr/local/bin/sldr",
			MinPort:    45000,
			MaxPort:    49000,
		},
	}
}

// Load reads config.toml if present, merging it on top of Default, then
// applies environment overrides. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = GetPaths().ConfigFilePath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment tooling override the most
// operationally relevant fields without editing config.toml.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OCTOPLANE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OCTOPLANE_SERVER_URL"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("OCTOPLANE_DEV_USER"); v != "" {
		cfg.CORS.DevMode = true
	}
}

// Save writes cfg to path as TOML. The parent directory must already
// exist; Save does not create it.
func Save(cfg *Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
