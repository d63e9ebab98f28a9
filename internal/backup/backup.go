// Package backup orchestrates one scheduled backup run: credential
// checks, the retention engine, and the optional remote mirrors.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/dump"
	"github.com/sqlvault/sqlvault/internal/fault"
	"github.com/sqlvault/sqlvault/internal/notification"
	"github.com/sqlvault/sqlvault/internal/objectstore"
	"github.com/sqlvault/sqlvault/internal/remotesync"
	"github.com/sqlvault/sqlvault/internal/retention"
	"github.com/sqlvault/sqlvault/internal/termlog"
	"github.com/sqlvault/sqlvault/internal/tierstore"
)

const (
	ReasonNoPassFile    = "No pgpass file"
	ReasonNoMySQLPass   = "No MySQL password"
	ReasonNoRoot        = "No root directory"
	ReasonDirCreation   = "Backup directory creation failed"
	ReasonPassFileWrite = "Pgpass replacement failed"
)

// mirror is the slice of the object-storage surface the driver needs.
type mirror interface {
	Sync(ctx context.Context, rootDir string) error
}

// Driver runs a complete backup invocation for one tier.
type Driver struct {
	cfg   *config.Config
	store *tierstore.Store

	// Collaborators, replaceable in tests.
	dumper   retention.Dumper
	syncer   *remotesync.Syncer
	mirror   mirror
	notifier notification.Notifier
	sleep    func(time.Duration)
}

// New wires a driver from the configuration.
func New(cfg *config.Config) *Driver {
	d := &Driver{
		cfg:   cfg,
		store: tierstore.New(cfg.RootDir, config.ArchivePrefix),
		sleep: time.Sleep,
	}
	if cfg.RsyncEnabled() {
		d.syncer = remotesync.New(cfg)
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
	slog.Info("starting backup run", "start", start.Format(time.RFC3339))
	d.cfg.EchoBackup()

	report, err := d.run(ctx, start)
	if err != nil {
		reason := fault.Reason(err)
		slog.Error("backup run failed", "reason", reason, "error", err)
		termlog.Write(d.cfg.TerminationLog, termlog.Failure(reason))
		notification.Notify(ctx, d.notifier, notification.Event{
			Type:     notification.EventBackupFailed,
			Tier:     string(d.cfg.Tier),
			Message:  reason,
			Duration: time.Since(start),
		})
		return
	}

	slog.Info("backup run finished", "result", retention.Describe(report), "elapsed", time.Since(start).Round(time.Second))
	termlog.Write(d.cfg.TerminationLog, termlog.Success(len(report.Remaining)))
	notification.Notify(ctx, d.notifier, notification.Event{
		Type:     notification.EventBackupCompleted,
		Tier:     string(d.cfg.Tier),
		Message:  retention.Describe(report),
		Size:     report.TotalSize,
		Duration: time.Since(start),
	})
}

func (d *Driver) run(ctx context.Context, start time.Time) (*retention.Report, error) {
	if err := d.checkCredentials(); err != nil {
		return nil, err
	}

	if !d.store.RootExists() {
		slog.Error("backup root directory does not exist", "dir", d.cfg.RootDir)
		return nil, fault.New(ReasonNoRoot, nil)
	}
	if err := d.store.EnsureTierDir(d.cfg.Tier); err != nil {
		return nil, fault.New(ReasonDirCreation, err)
	}

	if d.cfg.Tier == tierstore.Hourly && d.cfg.Flavor == config.Postgres && d.cfg.HasAdminPass() {
		if err := d.installAdminPass(); err != nil {
			return nil, err
		}
	}

	livePath := filepath.Join(d.store.TierDir(tierstore.Hourly), config.LiveFileName)
	engine := retention.New(d.store, retention.Config{
		Tier:         d.cfg.Tier,
		Count:        d.cfg.Count,
		PriorTier:    d.cfg.PriorTier,
		PriorCount:   d.cfg.PriorCount,
		LiveFileName: config.LiveFileName,
	}, d.liveDumper(livePath))

	report, err := engine.Run(ctx, start)
	if err != nil {
		return nil, err
	}

	if d.cfg.PreExitSleep > 0 {
		slog.Info("sleeping before mirrors", "duration", d.cfg.PreExitSleep)
		d.sleep(d.cfg.PreExitSleep)
	}

	// Only the tier that creates content pushes the tree out.
	if d.cfg.Tier == tierstore.Hourly {
		if err := d.runMirrors(ctx); err != nil {
			return nil, err
		}
	}

	return report, nil
}

// checkCredentials validates the flavor's authentication material
// before anything touches the disk.
func (d *Driver) checkCredentials() error {
	if d.cfg.Flavor == config.Postgres {
		passFile := os.ExpandEnv(d.cfg.PGPassFile)
		if _, err := os.Stat(passFile); err != nil {
			slog.Error("pgpass file does not exist", "path", passFile)
			return fault.New(ReasonNoPassFile, err)
		}
		return nil
	}

	// Only the hourly tier talks to the server.
	if d.cfg.Tier == tierstore.Hourly && d.cfg.MSPass == "" {
		slog.Error("MSPASS has not been defined")
		return fault.New(ReasonNoMySQLPass, nil)
	}
	return nil
}

// installAdminPass replaces the pgpass file with a wildcard entry for
// the supplied admin password.
func (d *Driver) installAdminPass() error {
	path := os.ExpandEnv(d.cfg.PGPassFile)
	slog.Info("replacing pgpass file, admin password supplied", "path", path)
	if err := dump.WritePassFile(path, d.cfg.PGAdminPass); err != nil {
		return fault.New(ReasonPassFileWrite, err)
	}
	return nil
}

// liveDumper returns the injected dumper, or builds the real one for
// the configured flavor.
func (d *Driver) liveDumper(dest string) retention.Dumper {
	if d.dumper != nil {
		return d.dumper
	}
	producer := &dump.Producer{Cmd: dump.CommandFor(d.cfg), Dest: dest}
	return retention.DumperFunc(func(ctx context.Context) error {
		slog.Info("starting dump", "command", producer.Cmd.Redacted())
		return producer.Run(ctx)
	})
}

func (d *Driver) runMirrors(ctx context.Context) error {
	if d.syncer != nil {
		if err := d.syncer.Sync(ctx, d.cfg.RootDir); err != nil {
			return err
		}
	}

	if d.mirror == nil && d.cfg.S3Enabled() {
		built, err := objectstore.New(ctx, d.cfg)
		if err != nil {
			return fault.New(objectstore.ReasonMirrorFailed, fmt.Errorf("failed to build object mirror: %w", err))
		}
		d.mirror = built
	}
	if d.mirror != nil {
		if err := d.mirror.Sync(ctx, d.cfg.RootDir); err != nil {
			return err
		}
	}

	return nil
}
