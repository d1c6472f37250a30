package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vipul43/connsync/internal/config"
	"github.com/vipul43/connsync/internal/database"
	"github.com/vipul43/connsync/internal/logger"
)

func newMigrateCommand() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(down)
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations instead of migrating up")

	return cmd
}

func runMigrate(down int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer log.Sync()

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}

	migrator, err := database.NewMigrator(sqlDB, log)
	if err != nil {
		return err
	}

	if down > 0 {
		return migrator.Down(down)
	}
	return migrator.Up()
}
