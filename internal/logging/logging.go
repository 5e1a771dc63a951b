// Package logging builds the zerolog loggers the three octoplane
// daemons share. Each daemon calls Setup once with the [log] section of
// config.toml; internal packages then derive component loggers
// (session.service, proxy.http, mux.hub, usermgr, runner) whose levels
// can be raised or lowered individually without redeploying — turning
// on debug for the reconciliation loop while the proxy stays at info.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config is the decoded [log] section of config.toml.
type Config struct {
	// Level is the default minimum level: debug, info, warn, error.
	Level string `toml:"level"`
	// Format is "json" (default) or "console".
	Format string `toml:"format"`
	// File, when set, appends JSON lines to this path alongside the
	// console/stderr sink.
	File string `toml:"file"`
	// Components overrides the level per component logger, keyed by
	// the component name passed to Component.
	Components map[string]string `toml:"components"`
}

var (
	mu        sync.Mutex
	root      zerolog.Logger
	overrides map[string]zerolog.Level
	sink      *os.File
)

func init() {
	// Usable before Setup: stderr, info, no overrides.
	root = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// Setup configures the process-wide root logger for one daemon and
// returns it. The daemon name is stamped on every line so logs from
// octoplane-server, octoplane-usermgr, and octoplane-runner can be
// interleaved in one aggregator and still be told apart.
func Setup(daemon string, cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339

	level := ParseLevel(cfg.Level)

	var writers []io.Writer
	if strings.EqualFold(cfg.Format, "console") {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    !consoleColor(),
		})
	} else {
		writers = append(writers, os.Stderr)
	}

	if cfg.File != "" {
		if sink != nil {
			sink.Close()
			sink = nil
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			sink = f
			writers = append(writers, f)
		}
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	overrides = make(map[string]zerolog.Level, len(cfg.Components))
	for name, lvl := range cfg.Components {
		overrides[name] = ParseLevel(lvl)
	}

	root = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("daemon", daemon).
		Logger()
	return root
}

// Component derives a child logger tagged with the component name,
// honoring any per-component level override from config. Packages that
// receive a logger by parameter keep doing so; Component is for the
// wiring layer that hands those parameters out.
func Component(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	l := root.With().Str("component", name).Logger()
	if lvl, ok := overrides[name]; ok {
		l = l.Level(lvl)
	}
	return l
}

// Root returns the current root logger.
func Root() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root
}

// LogFilePath returns the active file sink's path, or "" if none.
func LogFilePath() string {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return ""
	}
	return sink.Name()
}

// Close releases the file sink if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		sink.Close()
		sink = nil
	}
}

// ParseLevel maps a config-file level string to a zerolog level,
// defaulting to info for anything unrecognized (including "").
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// consoleColor decides whether console output gets ANSI colors:
// FORCE_COLOR wins, then NO_COLOR, then whether stderr is a terminal
// is left to the operator (plain "console" defaults to color).
func consoleColor() bool {
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return true
}
