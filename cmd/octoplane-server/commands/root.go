// Package commands provides the CLI commands for octoplane-server.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "octoplane-server",
	Short: "octoplane control plane",
	Long: `octoplane-server is the control plane: the public HTTP+WS API, the
session lifecycle state machine, and the background idle/reconciliation
loops.

Run 'octoplane-server serve' to start the daemon, or 'octoplane-server
migrate' to apply pending database migrations and exit.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: platform config dir)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("octoplane-server %s\n", Version))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
