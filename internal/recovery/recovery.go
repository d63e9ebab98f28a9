// Package recovery orchestrates one recovery run: list the known
// backups, resolve the requested one, unpack it, and replay it.
package recovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sqlvault/sqlvault/internal/backup"
	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/dump"
	"github.com/sqlvault/sqlvault/internal/fault"
	"github.com/sqlvault/sqlvault/internal/notification"
	"github.com/sqlvault/sqlvault/internal/resolve"
	"github.com/sqlvault/sqlvault/internal/restore"
	"github.com/sqlvault/sqlvault/internal/termlog"
	"github.com/sqlvault/sqlvault/internal/tierstore"
)

// runner replays an unpacked SQL file.
type runner interface {
	Run(ctx context.Context) error
}

// counter validates the restored server's database count.
type counter func(ctx context.Context, cfg *config.Config) error

// Driver runs a complete recovery invocation.
type Driver struct {
	cfg   *config.Config
	store *tierstore.Store

	// WorkDir receives the unpacked SQL file. Defaults to the process
	// working directory.
	WorkDir string

	// Collaborators, replaceable in tests.
	runner   func(sqlPath string) runner
	count    counter
	notifier notification.Notifier
}

// New wires a driver from the configuration.
func New(cfg *config.Config) *Driver {
	d := &Driver{
		cfg:   cfg,
		store: tierstore.New(cfg.RootDir, config.ArchivePrefix),
		count: restore.VerifyCount,
	}
	d.runner = func(sqlPath string) runner {
		return restore.RunnerFor(cfg, sqlPath)
	}
	if webhook := notification.NewWebhook(cfg.NotifyWebhookURL); webhook != nil {
		d.notifier = webhook
	}
	return d
}

// Execute performs the run and reports its outcome through the
// termination log and the optional webhook. Handled failures are
// resolved here, the caller always sees a clean finish.
func (d *Driver) Execute(ctx context.Context) {
	start := time.Now()
	slog.Info("starting recovery run", "start", start.Format(time.RFC3339))
	d.cfg.EchoRecovery()

	if err := d.run(ctx, start); err != nil {
		reason := fault.Reason(err)
		slog.Error("recovery run failed", "reason", reason, "error", err)
		termlog.Write(d.cfg.TerminationLog, termlog.Failure(reason))
		notification.Notify(ctx, d.notifier, notification.Event{
			Type:     notification.EventRecoveryFailed,
			Message:  reason,
			Duration: time.Since(start),
		})
		return
	}

	slog.Info("recovery run finished", "elapsed", time.Since(start).Round(time.Second))
	termlog.Write(d.cfg.TerminationLog, "SUCCESS")
	notification.Notify(ctx, d.notifier, notification.Event{
		Type:     notification.EventRecoveryCompleted,
		Message:  "recovered",
		Duration: time.Since(start),
	})
}

func (d *Driver) run(ctx context.Context, start time.Time) error {
	if !d.store.RootExists() {
		slog.Error("backup root directory does not exist", "dir", d.cfg.RootDir)
		return fault.New(backup.ReasonNoRoot, nil)
	}

	if d.cfg.Flavor == config.Postgres && d.cfg.HasAdminPass() {
		path := os.ExpandEnv(d.cfg.PGPassFile)
		slog.Info("replacing pgpass file, admin password supplied", "path", path)
		if err := dump.WritePassFile(path, d.cfg.PGAdminPass); err != nil {
			return fault.New(backup.ReasonPassFileWrite, err)
		}
	}

	index, err := resolve.BuildIndex(d.store)
	if err != nil {
		return err
	}
	listKnown(index)

	record, outcome, err := resolve.Resolve(index, d.cfg.QueryKind(), start, d.cfg.MaxLatestAgeHours)
	if err != nil {
		return err
	}
	if outcome == resolve.Skip {
		return nil
	}

	slog.Info("recovering", "name", record.Name, "tier", record.Tier)

	workDir := d.WorkDir
	if workDir == "" {
		workDir = "."
	}
	sqlPath := filepath.Join(workDir, "dumpall.sql")

	if err := restore.Unpack(record.Path, sqlPath); err != nil {
		// The archive would not decompress: remove it so the next run
		// does not trip over the same corrupt record.
		slog.Error("unpack failed, removing corrupt archive", "path", record.Path)
		if removeErr := os.Remove(record.Path); removeErr != nil {
			slog.Error("failed to remove corrupt archive", "path", record.Path, "error", removeErr)
		}
		return err
	}

	if err := d.runner(sqlPath).Run(ctx); err != nil {
		return err
	}

	return d.count(ctx, d.cfg)
}

// listKnown logs every known backup, most recent first, with sizes.
func listKnown(index resolve.Index) {
	names := index.Names()
	slog.Info("known backups, most recent first", "count", len(names))

	var total uint64
	for _, name := range names {
		record := index[name]
		total += uint64(record.Size)
		slog.Info("known backup", "name", name, "size", humanize.Bytes(uint64(record.Size)))
	}
	if len(names) > 0 {
		slog.Info("all backups", "total_size", humanize.Bytes(total))
	}
}
