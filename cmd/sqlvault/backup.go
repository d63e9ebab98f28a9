package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sqlvault/sqlvault/internal/backup"
	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/termlog"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one scheduled backup for the configured tier",
	Long:  "Run one backup invocation as configured by the environment: create a new archive (hourly) or promote from the prior tier, expire old archives, and mirror the tree if a remote is configured.",
	RunE:  runBackup,
}

// runBackup always returns nil: a handled failure is reported through
// the termination message and must not trip the scheduler into a
// restart loop with a non-zero exit.
func runBackup(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		termlog.Write(config.DefaultTerminationLog, termlog.Failure(err.Error()))
		return nil
	}

	backup.New(cfg).Execute(cmd.Context())
	return nil
}
