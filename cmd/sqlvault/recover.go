package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/recovery"
	"github.com/sqlvault/sqlvault/internal/termlog"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover a database from a stored backup",
	Long:  "Resolve the requested backup (NONE, LATEST, or a timestamp fragment), unpack it, and replay it against the configured database server.",
	RunE:  runRecover,
}

// runRecover always returns nil, for the same reason as runBackup.
func runRecover(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		termlog.Write(config.DefaultTerminationLog, termlog.Failure(err.Error()))
		return nil
	}

	recovery.New(cfg).Execute(cmd.Context())
	return nil
}
