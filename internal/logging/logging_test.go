package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseLevel(tc.in), "ParseLevel(%q)", tc.in)
	}
}

func TestSetup_StampsDaemonName(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "octoplane.log")
	log := Setup("octoplane-server", Config{Level: "info", File: logPath})
	defer Close()

	log.Info().Str("component", "test").Msg("hello")
	Close()

	lines := readLogLines(t, logPath)
	require.NotEmpty(t, lines)
	assert.Equal(t, "octoplane-server", lines[0]["daemon"])
	assert.Equal(t, "hello", lines[0]["message"])
}

func TestSetup_LevelFiltersFileSink(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "octoplane.log")
	log := Setup("octoplane-runner", Config{Level: "warn", File: logPath})
	defer Close()

	log.Info().Msg("too quiet")
	log.Warn().Msg("loud enough")
	Close()

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 1)
	assert.Equal(t, "loud enough", lines[0]["message"])
}

func TestComponent_AppliesOverrideLevel(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "octoplane.log")
	Setup("octoplane-server", Config{
		Level: "info",
		File:  logPath,
		Components: map[string]string{
			"session.reconcile": "debug",
			"proxy.http":        "error",
		},
	})
	defer Close()

	reconcileLog := Component("session.reconcile")
	reconcileLog.Debug().Msg("reconcile detail")
	proxyLog := Component("proxy.http")
	proxyLog.Info().Msg("suppressed")
	muxLog := Component("mux.hub")
	muxLog.Info().Msg("default level")
	Close()

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 2)
	assert.Equal(t, "reconcile detail", lines[0]["message"])
	assert.Equal(t, "session.reconcile", lines[0]["component"])
	assert.Equal(t, "default level", lines[1]["message"])
}

func TestComponent_TagsComponentField(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "octoplane.log")
	Setup("octoplane-usermgr", Config{Level: "info", File: logPath})
	defer Close()

	usermgrLog := Component("usermgr.daemon")
	usermgrLog.Info().Msg("op")
	Close()

	lines := readLogLines(t, logPath)
	require.Len(t, lines, 1)
	assert.Equal(t, "usermgr.daemon", lines[0]["component"])
	assert.Equal(t, "octoplane-usermgr", lines[0]["daemon"])
}

func TestLogFilePath(t *testing.T) {
	Close()
	assert.Empty(t, LogFilePath(), "no sink before Setup configures one")

	logPath := filepath.Join(t.TempDir(), "octoplane.log")
	Setup("octoplane-server", Config{File: logPath})
	assert.Equal(t, logPath, LogFilePath())

	Close()
	assert.Empty(t, LogFilePath())
}

func TestSetup_ReplacesPreviousSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	Setup("octoplane-server", Config{File: first})
	log := Setup("octoplane-server", Config{File: second})
	defer Close()

	log.Info().Msg("routed")
	Close()

	assert.Empty(t, readLogLines(t, first))
	lines := readLogLines(t, second)
	require.Len(t, lines, 1)
	assert.Equal(t, "routed", lines[0]["message"])
}

func TestSetup_MissingFileDirFallsBackToStderrOnly(t *testing.T) {
	log := Setup("octoplane-server", Config{File: filepath.Join(t.TempDir(), "no", "such", "dir", "x.log")})
	defer Close()

	// The unwritable sink is skipped, not fatal.
	log.Info().Msg("still logs")
	assert.Empty(t, LogFilePath())
}

func TestConsoleColor_HonorsEnv(t *testing.T) {
	t.Setenv("FORCE_COLOR", "")
	t.Setenv("NO_COLOR", "")
	assert.True(t, consoleColor())

	t.Setenv("NO_COLOR", "1")
	assert.False(t, consoleColor())

	t.Setenv("FORCE_COLOR", "1")
	assert.True(t, consoleColor(), "FORCE_COLOR wins over NO_COLOR")
}

func readLogLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		out = append(out, line)
	}
	require.NoError(t, scanner.Err())
	return out
}
