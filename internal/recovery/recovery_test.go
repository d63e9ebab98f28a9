package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/fault"
	"github.com/sqlvault/sqlvault/internal/naming"
	"github.com/sqlvault/sqlvault/internal/restore"
	"github.com/sqlvault/sqlvault/internal/tierstore"
)

type stubRunner struct {
	ran     []string
	err     error
	sqlPath string
}

func (s *stubRunner) Run(ctx context.Context) error {
	s.ran = append(s.ran, s.sqlPath)
	return s.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		RootDir:           t.TempDir(),
		TerminationLog:    filepath.Join(t.TempDir(), "termination-log"),
		Flavor:            config.Postgres,
		PGHost:            "db",
		PGUser:            "postgres",
		PGAdminPass:       "-",
		FromBackup:        config.QueryLatest,
		ExpectedDatabases: -1,
	}
}

// newTestDriver wires a driver whose restore tool and count check are
// stubbed out.
func newTestDriver(t *testing.T, cfg *config.Config) (*Driver, *stubRunner) {
	t.Helper()
	stub := &stubRunner{}
	d := New(cfg)
	d.WorkDir = t.TempDir()
	d.runner = func(sqlPath string) runner {
		stub.sqlPath = sqlPath
		return stub
	}
	d.count = func(ctx context.Context, cfg *config.Config) error { return nil }
	return d, stub
}

// writeBackup puts a gzipped archive into the given tier.
func writeBackup(t *testing.T, cfg *config.Config, tier tierstore.Tier, stamp time.Time, sql string) string {
	t.Helper()
	store := tierstore.New(cfg.RootDir, config.ArchivePrefix)
	require.NoError(t, store.EnsureTierDir(tier))

	name := naming.Encode(config.ArchivePrefix, stamp, config.LiveFileName)
	path := filepath.Join(store.TierDir(tier), name)

	out, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(out)
	_, err = gz.Write([]byte(sql))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, out.Close())
	return path
}

func terminationMessage(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := os.ReadFile(cfg.TerminationLog)
	require.NoError(t, err)
	return string(data)
}

func TestExecute_MissingRootDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.RootDir = filepath.Join(t.TempDir(), "not-mounted")

	d, stub := newTestDriver(t, cfg)
	d.Execute(context.Background())

	assert.Equal(t, "FAILURE (No root directory)", terminationMessage(t, cfg))
	assert.Empty(t, stub.ran)
}

func TestExecute_NoneRequested(t *testing.T) {
	cfg := testConfig(t)
	cfg.FromBackup = "none"

	d, stub := newTestDriver(t, cfg)
	d.Execute(context.Background())

	assert.Equal(t, "SUCCESS", terminationMessage(t, cfg))
	assert.Empty(t, stub.ran, "NONE lists the backups but restores nothing")
}

func TestExecute_NoBackups(t *testing.T) {
	cfg := testConfig(t)

	d, stub := newTestDriver(t, cfg)
	d.Execute(context.Background())

	assert.Equal(t, "FAILURE (No Backups)", terminationMessage(t, cfg))
	assert.Empty(t, stub.ran)
}

func TestExecute_RestoresLatest(t *testing.T) {
	cfg := testConfig(t)
	writeBackup(t, cfg, tierstore.Hourly, time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), "SELECT 'old';\n")
	writeBackup(t, cfg, tierstore.Hourly, time.Date(2021, 2, 2, 0, 0, 0, 0, time.UTC), "SELECT 'new';\n")

	d, stub := newTestDriver(t, cfg)
	d.Execute(context.Background())

	assert.Equal(t, "SUCCESS", terminationMessage(t, cfg))
	require.Len(t, stub.ran, 1)

	data, err := os.ReadFile(stub.sqlPath)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'new';\n", string(data), "the most recent archive is the one unpacked")
}

func TestExecute_RestoresByFragment(t *testing.T) {
	cfg := testConfig(t)
	cfg.FromBackup = "2021-02-01"
	writeBackup(t, cfg, tierstore.Hourly, time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), "SELECT 'wanted';\n")
	writeBackup(t, cfg, tierstore.Hourly, time.Date(2021, 2, 2, 0, 0, 0, 0, time.UTC), "SELECT 'other';\n")

	d, stub := newTestDriver(t, cfg)
	d.Execute(context.Background())

	assert.Equal(t, "SUCCESS", terminationMessage(t, cfg))

	data, err := os.ReadFile(stub.sqlPath)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'wanted';\n", string(data))
}

func TestExecute_FragmentNotFound(t *testing.T) {
	cfg := testConfig(t)
	cfg.FromBackup = "2019-12-31"
	writeBackup(t, cfg, tierstore.Hourly, time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), "SELECT 1;\n")

	d, stub := newTestDriver(t, cfg)
	d.Execute(context.Background())

	assert.Equal(t, "FAILURE (Backup not found)", terminationMessage(t, cfg))
	assert.Empty(t, stub.ran, "no restore is attempted for an unmatched query")
}

func TestExecute_CorruptArchiveIsRemoved(t *testing.T) {
	cfg := testConfig(t)
	store := tierstore.New(cfg.RootDir, config.ArchivePrefix)
	require.NoError(t, store.EnsureTierDir(tierstore.Hourly))

	name := naming.Encode(config.ArchivePrefix, time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), config.LiveFileName)
	path := filepath.Join(store.TierDir(tierstore.Hourly), name)
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0o644))

	d, _ := newTestDriver(t, cfg)
	d.Execute(context.Background())

	assert.Equal(t, "FAILURE (Unpack failed)", terminationMessage(t, cfg))
	assert.NoFileExists(t, path, "a corrupt archive is removed so later runs skip it")
}

func TestExecute_RestoreFailure(t *testing.T) {
	cfg := testConfig(t)
	writeBackup(t, cfg, tierstore.Hourly, time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), "SELECT 1;\n")

	d, stub := newTestDriver(t, cfg)
	stub.err = fault.New(restore.ReasonRecoveryFailed, errors.New("exit status 3"))
	d.Execute(context.Background())

	assert.Equal(t, "FAILURE (Recovery failed)", terminationMessage(t, cfg))
}

func TestExecute_CountMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExpectedDatabases = 9
	writeBackup(t, cfg, tierstore.Hourly, time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), "SELECT 1;\n")

	d, _ := newTestDriver(t, cfg)
	d.count = func(ctx context.Context, cfg *config.Config) error {
		return fault.New(restore.CountReason(cfg.ExpectedDatabases), errors.New("expected 9 databases, found 4"))
	}
	d.Execute(context.Background())

	assert.Equal(t, "FAILURE (Count 9 failed)", terminationMessage(t, cfg))
}

func TestExecute_InstallsAdminPass(t *testing.T) {
	cfg := testConfig(t)
	cfg.PGAdminPass = "supplied-secret"
	cfg.PGPassFile = filepath.Join(t.TempDir(), ".pgpass")
	cfg.FromBackup = config.QueryNone

	d, _ := newTestDriver(t, cfg)
	d.Execute(context.Background())

	data, err := os.ReadFile(cfg.PGPassFile)
	require.NoError(t, err)
	assert.Equal(t, "*:*:*:*:supplied-secret", string(data))
}
