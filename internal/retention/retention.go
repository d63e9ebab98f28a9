// Package retention implements the generational retention engine: the
// per-tier decision of whether to create a new archive, promote one from
// the prior tier, and which archives to expire.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sqlvault/sqlvault/internal/fault"
	"github.com/sqlvault/sqlvault/internal/naming"
	"github.com/sqlvault/sqlvault/internal/tierstore"
)

// Failure reasons surfaced in the termination message.
const (
	ReasonBackupFailed     = "Backup failed"
	ReasonNoBackupProduced = "No backup was generated"
	ReasonBackupCopy       = "Backup copy failed"
	ReasonBackupCleanup    = "Backup cleanup failed"
	ReasonPromotionCopy    = "Promotion copy failed"
	ReasonExpiredRemoval   = "Expired backup removal failed"
	ReasonLiveFileRemoval  = "Live backup removal failed"
)

// Dumper produces the live dump file. Implementations report failure when
// the dump tool exits non-zero or writes anything to its error stream.
type Dumper interface {
	Dump(ctx context.Context) error
}

// Config carries the per-run retention settings.
type Config struct {
	Tier       tierstore.Tier
	Count      int
	PriorTier  tierstore.Tier
	PriorCount int

	// LiveFileName is the transient dump filename in the hourly directory.
	LiveFileName string
}

// Report summarises what a run did to its tier.
type Report struct {
	Created  *tierstore.Record
	Promoted *tierstore.Record
	Expired  []string

	// Remaining lists the surviving records, most recent first.
	Remaining []tierstore.Record
	TotalSize int64
}

// Engine runs the retention state machine for one tier.
type Engine struct {
	store  *tierstore.Store
	cfg    Config
	dumper Dumper
}

// New creates an engine. dumper may be nil for non-hourly tiers, which
// never create new content.
func New(store *tierstore.Store, cfg Config, dumper Dumper) *Engine {
	return &Engine{store: store, cfg: cfg, dumper: dumper}
}

// LivePath returns the location of the transient dump file. It always
// lives in the hourly directory: that is the only tier that creates.
func (e *Engine) LivePath() string {
	return filepath.Join(e.store.TierDir(tierstore.Hourly), e.cfg.LiveFileName)
}

// Run executes exactly one of the two tier paths (creation for hourly,
// promotion otherwise) followed by expiry of the current tier. start is
// the run's start time and names any record created.
func (e *Engine) Run(ctx context.Context, start time.Time) (*Report, error) {
	report := &Report{}

	if e.cfg.Tier == tierstore.Hourly {
		if err := e.createArchive(ctx, start, report); err != nil {
			return report, err
		}
	} else {
		if err := e.promoteOldest(report); err != nil {
			return report, err
		}
	}

	if err := e.expire(report); err != nil {
		return report, err
	}

	return report, nil
}

// createArchive runs the dump collaborator and archives the live file
// under a timestamped record name.
func (e *Engine) createArchive(ctx context.Context, start time.Time, report *Report) error {
	livePath := e.LivePath()

	// A leftover live file means the previous run died between dumping
	// and archiving. The scheduler forbids concurrent runs, so it cannot
	// be an in-progress dump; replace it.
	if _, err := os.Stat(livePath); err == nil {
		slog.Warn("live backup file exists and will be replaced", "path", livePath)
	}

	slog.Info("starting backup", "time", start)
	if err := e.dumper.Dump(ctx); err != nil {
		slog.Error("backup failed", "error", err)

		if _, statErr := os.Stat(livePath); statErr == nil {
			if rmErr := os.Remove(livePath); rmErr != nil {
				slog.Error("failed to remove live backup file", "path", livePath, "error", rmErr)
				return fault.New(ReasonLiveFileRemoval, rmErr)
			}
			slog.Info("live backup file removed", "path", livePath)
		}

		return fault.New(ReasonBackupFailed, err)
	}
	elapsed := time.Since(start)
	slog.Info("backup finished", "elapsed", elapsed)

	info, err := os.Stat(livePath)
	if err != nil {
		slog.Error("no backup file was generated")
		return fault.New(ReasonNoBackupProduced, err)
	}
	slog.Info("backup size", "bytes", info.Size(), "size", humanize.Bytes(uint64(info.Size())))

	name := naming.Encode(e.store.Prefix(), start, e.cfg.LiveFileName)
	slog.Info("archiving live backup", "from", e.cfg.LiveFileName, "to", name)

	record, err := e.store.Archive(livePath, e.cfg.Tier, name)
	if err != nil {
		slog.Error("failed to archive live backup", "error", err)
		return fault.New(ReasonBackupCopy, err)
	}
	report.Created = &record

	// The live file must never persist as a permanent record. A failure
	// here leaves both files behind; the next run warns and replaces.
	if err := os.Remove(livePath); err != nil {
		slog.Error("failed to remove live backup file after archiving", "error", err)
		return fault.New(ReasonBackupCleanup, err)
	}

	return nil
}

// promoteOldest copies the prior tier's oldest record into this tier, but
// only when the prior tier holds exactly its full-set count. Exact
// equality is the trigger: the prior tier is pruned to its own retention
// count on its own schedule, so it passes through the full-set value once
// per cycle, yielding one promotion per cycle. A >= comparison would
// re-promote the same oldest record on every run while the prior tier
// sits above the threshold.
func (e *Engine) promoteOldest(report *Report) error {
	prior, err := e.store.List(e.cfg.PriorTier)
	if err != nil {
		return fault.New(ReasonPromotionCopy, err)
	}

	if len(prior) != e.cfg.PriorCount {
		slog.Info("nothing to do, prior tier not at full set",
			"prior_type", e.cfg.PriorTier,
			"prior_backups", len(prior),
			"full_set", e.cfg.PriorCount,
		)
		return nil
	}

	tierstore.SortAscending(prior)
	oldest := prior[0]

	slog.Info("promoting oldest prior backup",
		"from", e.cfg.PriorTier,
		"to", e.cfg.Tier,
		"name", oldest.Name,
	)

	promoted, err := e.store.CopyInto(oldest, e.cfg.Tier)
	if err != nil {
		slog.Error("failed to promote backup", "name", oldest.Name, "error", err)
		return fault.New(ReasonPromotionCopy, err)
	}
	report.Promoted = &promoted

	return nil
}

// expire deletes the oldest records beyond the tier's retention count,
// then reports the survivors most recent first.
func (e *Engine) expire(report *Report) error {
	records, err := e.store.List(e.cfg.Tier)
	if err != nil {
		return fault.New(ReasonExpiredRemoval, err)
	}

	excess := len(records) - e.cfg.Count
	if excess > 0 {
		slog.Info("removing expired backups", "count", excess)
		tierstore.SortAscending(records)

		for _, record := range records[:excess] {
			slog.Info("removing expired backup", "name", record.Name)
			if err := e.store.Delete(record); err != nil {
				slog.Error("failed to remove expired backup", "name", record.Name, "error", err)
				return fault.New(ReasonExpiredRemoval, err)
			}
			report.Expired = append(report.Expired, record.Name)
		}
	} else {
		slog.Info("no expired backups to delete")
	}

	remaining, err := e.store.List(e.cfg.Tier)
	if err != nil {
		return fault.New(ReasonExpiredRemoval, err)
	}
	tierstore.SortDescending(remaining)
	report.Remaining = remaining
	report.TotalSize = tierstore.TotalSize(remaining)

	if len(remaining) > 0 {
		slog.Info("unexpired backups, most recent first", "count", len(remaining))
		for _, record := range remaining {
			slog.Info("unexpired backup", "name", record.Name, "size", humanize.Bytes(uint64(record.Size)))
		}
		slog.Info("all backups", "total_size", humanize.Bytes(uint64(report.TotalSize)))
	} else {
		slog.Info("no unexpired backups to list")
	}

	return nil
}

// DumperFunc adapts a plain function to the Dumper interface.
type DumperFunc func(ctx context.Context) error

func (f DumperFunc) Dump(ctx context.Context) error {
	return f(ctx)
}

var _ Dumper = DumperFunc(nil)

// Describe renders a one-line summary of a report for the logs.
func Describe(r *Report) string {
	switch {
	case r == nil:
		return "no report"
	case r.Created != nil:
		return fmt.Sprintf("created %s", r.Created.Name)
	case r.Promoted != nil:
		return fmt.Sprintf("promoted %s", r.Promoted.Name)
	default:
		return fmt.Sprintf("%d backups retained", len(r.Remaining))
	}
}
