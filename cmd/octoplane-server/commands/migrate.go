package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/internal/db"
	"github.com/octoplane/octoplane/internal/db/migrations"
	"github.com/octoplane/octoplane/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup("octoplane-server", cfg.Log)
	defer logging.Close()
	log := logging.Component("cmd.migrate")

	sqlDB, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer sqlDB.Close()

	if err := migrations.Apply(sqlDB); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info().Str("db", cfg.Database.Path).Msg("migrations applied")
	return nil
}
