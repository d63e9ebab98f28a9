package tierstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecord(t *testing.T, store *Store, tier Tier, name, content string) {
	t.Helper()
	require.NoError(t, store.EnsureTierDir(tier))
	path := filepath.Join(store.TierDir(tier), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"hourly", Hourly, false},
		{"daily", Daily, false},
		{"weekly", Weekly, false},
		{"monthly", Monthly, false},
		{"HOURLY", Hourly, false},
		{"yearly", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseTier(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseTier(%q)", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParsePriorTier_RejectsMonthly(t *testing.T) {
	_, err := ParsePriorTier("monthly")
	assert.Error(t, err)

	tier, err := ParsePriorTier("weekly")
	require.NoError(t, err)
	assert.Equal(t, Weekly, tier)
}

func TestStore_RootExists(t *testing.T) {
	store := New(t.TempDir(), "backup")
	assert.True(t, store.RootExists())

	missing := New(filepath.Join(t.TempDir(), "nope"), "backup")
	assert.False(t, missing.RootExists())
}

func TestStore_EnsureTierDir(t *testing.T) {
	store := New(t.TempDir(), "backup")

	require.NoError(t, store.EnsureTierDir(Daily))
	assert.DirExists(t, store.TierDir(Daily))

	// Idempotent.
	require.NoError(t, store.EnsureTierDir(Daily))
}

func TestStore_List_FiltersByPrefix(t *testing.T) {
	store := New(t.TempDir(), "backup")

	writeRecord(t, store, Hourly, "backup-2021-01-01T00:00:00Z-dumpall.sql.gz", "a")
	writeRecord(t, store, Hourly, "backup-2021-01-02T00:00:00Z-dumpall.sql.gz", "bb")
	writeRecord(t, store, Hourly, "dumpall.sql.gz", "live file, not a record")

	records, err := store.List(Hourly)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, r := range records {
		assert.Equal(t, Hourly, r.Tier)
		assert.NotEqual(t, "dumpall.sql.gz", r.Name)
	}
}

func TestStore_List_MissingDirectory(t *testing.T) {
	store := New(t.TempDir(), "backup")

	records, err := store.List(Weekly)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_Count(t *testing.T) {
	store := New(t.TempDir(), "backup")

	writeRecord(t, store, Daily, "backup-2021-01-01T00:00:00Z-dumpall.sql.gz", "a")
	writeRecord(t, store, Daily, "backup-2021-01-02T00:00:00Z-dumpall.sql.gz", "b")
	writeRecord(t, store, Daily, "backup-2021-01-03T00:00:00Z-dumpall.sql.gz", "c")

	n, err := store.Count(Daily)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSortAscendingAndDescending(t *testing.T) {
	records := []Record{
		{Name: "backup-2021-03-01T00:00:00Z-dumpall.sql.gz"},
		{Name: "backup-2021-01-01T00:00:00Z-dumpall.sql.gz"},
		{Name: "backup-2021-02-01T00:00:00Z-dumpall.sql.gz"},
	}

	SortAscending(records)
	assert.Equal(t, "backup-2021-01-01T00:00:00Z-dumpall.sql.gz", records[0].Name)
	assert.Equal(t, "backup-2021-03-01T00:00:00Z-dumpall.sql.gz", records[2].Name)

	SortDescending(records)
	assert.Equal(t, "backup-2021-03-01T00:00:00Z-dumpall.sql.gz", records[0].Name)
	assert.Equal(t, "backup-2021-01-01T00:00:00Z-dumpall.sql.gz", records[2].Name)
}

func TestStore_CopyInto_PreservesMetadata(t *testing.T) {
	store := New(t.TempDir(), "backup")

	writeRecord(t, store, Hourly, "backup-2021-01-01T00:00:00Z-dumpall.sql.gz", "payload")
	require.NoError(t, store.EnsureTierDir(Daily))

	src := Record{
		Name: "backup-2021-01-01T00:00:00Z-dumpall.sql.gz",
		Tier: Hourly,
		Path: filepath.Join(store.TierDir(Hourly), "backup-2021-01-01T00:00:00Z-dumpall.sql.gz"),
	}

	// Backdate the source so timestamp preservation is observable.
	old := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(src.Path, old, old))

	dst, err := store.CopyInto(src, Daily)
	require.NoError(t, err)

	assert.Equal(t, src.Name, dst.Name)
	assert.Equal(t, Daily, dst.Tier)
	assert.Equal(t, int64(len("payload")), dst.Size)

	info, err := os.Stat(dst.Path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "modification time should be preserved")

	// The original stays in place.
	assert.FileExists(t, src.Path)
}

func TestStore_CopyInto_MissingSource(t *testing.T) {
	store := New(t.TempDir(), "backup")
	require.NoError(t, store.EnsureTierDir(Daily))

	_, err := store.CopyInto(Record{Name: "x", Path: filepath.Join(store.Root(), "x")}, Daily)
	assert.Error(t, err)
}

func TestStore_Archive(t *testing.T) {
	store := New(t.TempDir(), "backup")
	require.NoError(t, store.EnsureTierDir(Hourly))

	live := filepath.Join(store.TierDir(Hourly), "dumpall.sql.gz")
	require.NoError(t, os.WriteFile(live, []byte("dump bytes"), 0o644))

	rec, err := store.Archive(live, Hourly, "backup-2021-01-01T00:00:00Z-dumpall.sql.gz")
	require.NoError(t, err)

	assert.Equal(t, int64(len("dump bytes")), rec.Size)
	assert.FileExists(t, rec.Path)
	assert.FileExists(t, live, "archiving copies, it does not move")
}

func TestStore_Delete(t *testing.T) {
	store := New(t.TempDir(), "backup")
	writeRecord(t, store, Monthly, "backup-2021-01-01T00:00:00Z-dumpall.sql.gz", "a")

	records, err := store.List(Monthly)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, store.Delete(records[0]))
	assert.NoFileExists(t, records[0].Path)

	assert.Error(t, store.Delete(records[0]), "deleting a missing record should fail")
}

func TestTotalSize(t *testing.T) {
	records := []Record{{Size: 100}, {Size: 250}, {Size: 150}}
	assert.Equal(t, int64(500), TotalSize(records))
	assert.Equal(t, int64(0), TotalSize(nil))
}
