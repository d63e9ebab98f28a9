// Package tierstore provides filesystem access to the per-tier backup
// directories below the backup root.
package tierstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tier is one of the four retention granularities. Tiers form a chain,
// hourly through monthly; only the hourly tier ever creates new archive
// content, every other tier receives copies promoted from its predecessor.
type Tier string

const (
	Hourly  Tier = "hourly"
	Daily   Tier = "daily"
	Weekly  Tier = "weekly"
	Monthly Tier = "monthly"
)

// Chain lists the tiers in promotion order.
var Chain = []Tier{Hourly, Daily, Weekly, Monthly}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case Hourly:
		return Hourly, nil
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	}
	return "", fmt.Errorf("unexpected backup type %q", s)
}

// ParsePriorTier validates a prior-tier name. The monthly tier has no
// successor, so it can never be a promotion source.
func ParsePriorTier(s string) (Tier, error) {
	tier, err := ParseTier(s)
	if err != nil {
		return "", fmt.Errorf("unexpected prior backup type %q", s)
	}
	if tier == Monthly {
		return "", fmt.Errorf("unexpected prior backup type %q", s)
	}
	return tier, nil
}

// Record is one archived backup file inside a tier directory.
type Record struct {
	Name string
	Tier Tier
	Path string
	Size int64
}

// Store reads and mutates the tier directories below a single backup root.
// Only archives whose name starts with the configured prefix are visible
// through it; the transient live dump file is invisible by construction.
type Store struct {
	root   string
	prefix string
}

// New creates a store over root. prefix is the leading component of every
// archive filename (conventionally "backup").
func New(root, prefix string) *Store {
	return &Store{root: root, prefix: prefix}
}

// Root returns the backup root directory.
func (s *Store) Root() string {
	return s.root
}

// Prefix returns the archive filename prefix.
func (s *Store) Prefix() string {
	return s.prefix
}

// TierDir returns the directory holding a tier's records.
func (s *Store) TierDir(tier Tier) string {
	return filepath.Join(s.root, string(tier))
}

// RootExists reports whether the backup root directory is present. The
// root is expected to be a mounted volume; it is never created here.
func (s *Store) RootExists() bool {
	info, err := os.Stat(s.root)
	return err == nil && info.IsDir()
}

// EnsureTierDir creates a tier's directory (and any parents) if absent.
func (s *Store) EnsureTierDir(tier Tier) error {
	if err := os.MkdirAll(s.TierDir(tier), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", tier, err)
	}
	return nil
}

// List returns the records in a tier's directory, filtered by prefix.
// Order is not specified; use SortAscending or SortDescending.
func (s *Store) List(tier Tier) ([]Record, error) {
	entries, err := os.ReadDir(s.TierDir(tier))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s directory: %w", tier, err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), s.prefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}

		records = append(records, Record{
			Name: entry.Name(),
			Tier: tier,
			Path: filepath.Join(s.TierDir(tier), entry.Name()),
			Size: info.Size(),
		})
	}

	return records, nil
}

// Count returns the number of records in a tier's directory.
func (s *Store) Count(tier Tier) (int, error) {
	records, err := s.List(tier)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// SortAscending orders records oldest first. Filenames embed zero-padded
// timestamps, so string order is chronological order.
func SortAscending(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
}

// SortDescending orders records newest first.
func SortDescending(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name > records[j].Name
	})
}

// TotalSize sums the byte sizes of records.
func TotalSize(records []Record) int64 {
	var total int64
	for _, r := range records {
		total += r.Size
	}
	return total
}

// CopyInto copies a record into another tier's directory, preserving the
// file mode and timestamps so the copy remains an exact stand-in for the
// original.
func (s *Store) CopyInto(src Record, tier Tier) (Record, error) {
	dstPath := filepath.Join(s.TierDir(tier), src.Name)

	if err := copyPreserving(src.Path, dstPath); err != nil {
		return Record{}, fmt.Errorf("failed to copy %s into %s: %w", src.Name, tier, err)
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return Record{}, fmt.Errorf("failed to stat copied record %s: %w", dstPath, err)
	}

	return Record{Name: src.Name, Tier: tier, Path: dstPath, Size: info.Size()}, nil
}

// Archive copies an arbitrary file into a tier directory under the given
// record name. Used to turn the live dump file into its first record.
func (s *Store) Archive(srcPath string, tier Tier, name string) (Record, error) {
	dstPath := filepath.Join(s.TierDir(tier), name)

	if err := copyPreserving(srcPath, dstPath); err != nil {
		return Record{}, fmt.Errorf("failed to archive %s as %s: %w", srcPath, name, err)
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return Record{}, fmt.Errorf("failed to stat archived record %s: %w", dstPath, err)
	}

	return Record{Name: name, Tier: tier, Path: dstPath, Size: info.Size()}, nil
}

// Delete removes a record from its tier directory.
func (s *Store) Delete(r Record) error {
	if err := os.Remove(r.Path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", r.Path, err)
	}
	return nil
}

func copyPreserving(srcPath, dstPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return err
	}

	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return err
	}

	// Carry the source timestamps across so a promoted copy still sorts
	// and ages like the original.
	return os.Chtimes(dstPath, info.ModTime(), info.ModTime())
}
