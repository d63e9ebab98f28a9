package resolve

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/fault"
	"github.com/sqlvault/sqlvault/internal/naming"
	"github.com/sqlvault/sqlvault/internal/tierstore"
)

const (
	ReasonNoBackups      = "No Backups"
	ReasonBackupNotFound = "Backup not found"
)

// Outcome describes the resolver's decision for a recovery run.
type Outcome int

const (
	// Restore means a backup was selected and should be restored.
	Restore Outcome = iota
	// Skip means the run was asked not to restore anything.
	Skip
)

// Index maps record filenames to the record that will be restored for
// that name. The same filename can exist in several tiers because
// promotion copies rather than moves; the copy in the earliest tier of
// the chain wins so that every name resolves to exactly one file.
type Index map[string]tierstore.Record

// BuildIndex scans every tier in chain order and collects the known
// backups, keeping the first occurrence of each filename.
func BuildIndex(store *tierstore.Store) (Index, error) {
	index := Index{}
	for _, tier := range tierstore.Chain {
		records, err := store.List(tier)
		if err != nil {
			return nil, fault.New(ReasonNoBackups, err)
		}
		for _, record := range records {
			if _, ok := index[record.Name]; !ok {
				index[record.Name] = record
			}
		}
	}
	return index, nil
}

// Names returns the indexed filenames sorted most recent first. The
// record names embed their timestamp, so lexicographic order is
// chronological order.
func (i Index) Names() []string {
	names := make([]string, 0, len(i))
	for name := range i {
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names
}

// Resolve picks the backup to restore for the given query. The query is
// either one of the FROM_BACKUP keywords or a substring to search the
// known filenames for, newest first.
func Resolve(index Index, query string, now time.Time, maxAgeHours int) (tierstore.Record, Outcome, error) {
	if query == config.QueryNone {
		slog.Info("no backup requested, nothing to restore")
		return tierstore.Record{}, Skip, nil
	}

	names := index.Names()
	if len(names) == 0 {
		return tierstore.Record{}, Skip, fault.New(ReasonNoBackups, nil)
	}

	if query == config.QueryLatest {
		latest := index[names[0]]
		checkFreshness(latest, now, maxAgeHours)
		return latest, Restore, nil
	}

	for _, name := range names {
		if naming.Matches(name, query) {
			return index[name], Restore, nil
		}
	}

	return tierstore.Record{}, Skip, fault.New(ReasonBackupNotFound,
		fmt.Errorf("no backup filename contains %q", query))
}

// checkFreshness warns when the latest backup is older than the
// configured bound. The backup chain keeps running while the warning
// fires, so a stale mirror still restores something.
func checkFreshness(latest tierstore.Record, now time.Time, maxAgeHours int) {
	if maxAgeHours <= 0 {
		return
	}

	stamp, ok := naming.ExtractTimestamp(latest.Name)
	if !ok {
		slog.Warn("latest backup has no timestamp in its name, skipping age check", "name", latest.Name)
		return
	}

	age := AgeHours(now, stamp)
	if age > maxAgeHours {
		slog.Warn("latest backup is older than the configured maximum",
			"name", latest.Name,
			"age_hours", age,
			"maximum_hours", maxAgeHours,
		)
	}
}

// AgeHours computes a backup's age as whole days times 24 plus the whole
// hours of the remainder. Both parts truncate, so a backup 23h59m old in
// the same day counts as 23 hours.
func AgeHours(now, stamp time.Time) int {
	elapsed := now.Sub(stamp)
	days := int(elapsed.Hours()) / 24
	seconds := int(elapsed.Seconds()) - days*24*3600
	return days*24 + seconds/3600
}
