// Package commands provides the CLI command for octoplane-usermgr.
package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/internal/logging"
	"github.com/octoplane/octoplane/internal/usermgr"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	socketPath string
	ownerUID   int
)

var rootCmd = &cobra.Command{
	Use:   "octoplane-usermgr",
	Short: "root-owned privileged-action daemon",
	Long: `octoplane-usermgr serves the closed create/delete-user, workspace,
and systemd-unit operation set over a Unix socket the control plane
connects to, and refuses to run as anything but root.`,
	Version: Version,
	RunE:    runUsermgr,
}

func init() {
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (default: platform standard path)")
	rootCmd.Flags().IntVar(&ownerUID, "owner-uid", 0, "uid to chown the socket to after binding (the control-plane service user)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("octoplane-usermgr %s\n", Version))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runUsermgr(cmd *cobra.Command, args []string) error {
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "octoplane-usermgr: must run as root")
		os.Exit(1)
	}

	paths := config.GetPaths()
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup("octoplane-usermgr", cfg.Log)
	defer logging.Close()
	log := logging.Component("cmd.usermgr")

	sock := socketPath
	if sock == "" {
		sock = cfg.UserMgr.SocketPath
	}
	if sock == "" {
		sock = paths.UserManagerSocketPath()
	}

	d := usermgr.New(usermgr.Config{
		SocketPath:              sock,
		SocketOwnerUID:          ownerUID,
		UsernamePrefix:          cfg.UserMgr.UsernamePrefix,
		Group:                   cfg.UserMgr.Group,
		GecosPrefix:             "octoplane",
		RunnerBinPath:           "/usr/local/bin/octoplane-runner",
		HstryBinPath:            "/usr/local/bin/hstry",
		MmryBinPath:             "/usr/local/bin/mmry",
		AllowedPathPrefixes:     []string{paths.RunnerSocketDir() + "/", cfg.UserMgr.HomeRoot + "/" + cfg.UserMgr.UsernamePrefix},
		CleanupOnPartialFailure: cfg.UserMgr.CleanupOnPartialFailure,
	}, log)

	go func() {
		log.Info().Str("socket", sock).Msg("octoplane-usermgr listening")
		if err := d.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("usermgr daemon stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	if err := d.Close(); err != nil {
		log.Error().Err(err).Msg("close daemon")
	}
	return nil
}
