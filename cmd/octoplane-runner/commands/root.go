// Package commands provides the CLI command for octoplane-runner.
package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/internal/logging"
	"github.com/octoplane/octoplane/internal/runner"
	"github.com/octoplane/octoplane/internal/sandbox"
)

// Version is set at build time.
var Version = "0.1.0"

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "octoplane-runner",
	Short: "per-user agent process supervisor",
	Long: `octoplane-runner owns one Linux user's agent subprocess table
behind a Unix socket at a deterministic path, and refuses to spawn
anything that would run as a different uid than its own.`,
	Version: Version,
	RunE:    runRunner,
}

func init() {
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (default: platform standard path for this uid's username)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("octoplane-runner %s\n", Version))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Setup("octoplane-runner", cfg.Log)
	defer logging.Close()
	log := logging.Component("cmd.runner")

	uid := os.Getuid()
	sock := socketPath
	if sock == "" {
		u, err := currentUsername()
		if err != nil {
			log.Fatal().Err(err).Msg("resolve current username")
		}
		sock = config.GetPaths().RunnerSocketPath(u)
	}

	if err := os.MkdirAll(filepath.Dir(sock), 0o700); err != nil {
		log.Fatal().Err(err).Msg("mkdir socket dir")
	}

	r := runner.New(uid, log)

	sandboxCfg, err := sandbox.Load(config.GetPaths().SandboxFilePath())
	if err != nil {
		log.Warn().Err(err).Msg("load sandbox.toml failed, proceeding with no filesystem allowlist/rlimits")
	} else {
		r.WithSandbox(sandboxCfg)
	}

	go func() {
		log.Info().Str("socket", sock).Int("uid", uid).Msg("octoplane-runner listening")
		if err := r.ListenAndServe(sock); err != nil {
			log.Fatal().Err(err).Msg("runner stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down, terminating supervised processes")
	r.Shutdown()
	return nil
}

func currentUsername() (string, error) {
	if v := os.Getenv("USER"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("runner: USER environment variable not set")
}
