// Package config builds the immutable per-run configuration from the
// environment. Every run reads its settings exactly once at startup; the
// resulting Config is passed explicitly to whichever driver runs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sqlvault/sqlvault/internal/tierstore"
)

// Defaults for the backup directory layout and archive naming.
const (
	DefaultRootDir        = "/backup"
	DefaultTerminationLog = "/dev/termination-log"

	// LiveFileName is the transient dump file produced in the hourly
	// directory before it is archived under a timestamped name.
	LiveFileName = "dumpall.sql.gz"

	// ArchivePrefix is the leading component of every archive filename.
	ArchivePrefix = "backup"
)

// Recognised FROM_BACKUP keywords. Anything else is treated as a
// timestamp fragment to search for.
const (
	QueryNone   = "NONE"
	QueryLatest = "LATEST"
)

// Flavor identifies the database engine a run talks to.
type Flavor int

const (
	Postgres Flavor = iota
	MySQL
)

func (f Flavor) String() string {
	if f == MySQL {
		return "mysql"
	}
	return "postgresql"
}

// Config is the immutable configuration for one run.
type Config struct {
	Tier       tierstore.Tier
	Count      int
	PriorTier  tierstore.Tier
	PriorCount int

	PreExitSleep time.Duration

	RootDir        string
	TerminationLog string

	Flavor Flavor

	// Postgres connection material.
	PGHost      string
	PGUser      string
	PGPassFile  string
	PGAdminPass string

	// MySQL connection material.
	MSHost string
	MSPort string
	MSUser string
	MSPass string

	// Recovery controls.
	FromBackup        string
	Database          string
	ExpectedDatabases int // -1 when no post-restore count check is requested
	MaxLatestAgeHours int // 0 when no freshness bound is configured

	// Remote mirror over rsync/sshpass.
	RsyncHost string
	RsyncUser string
	RsyncPass string
	RsyncPath string

	// Object-storage mirror.
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Endpoint  string
	S3Region    string
	S3Prefix    string

	// Completion webhook.
	NotifyWebhookURL string
}

// FromEnv reads and validates the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		RootDir:           envOr("BACKUP_ROOT_DIR", DefaultRootDir),
		TerminationLog:    envOr("TERMINATION_LOG", DefaultTerminationLog),
		PGHost:            os.Getenv("PGHOST"),
		PGUser:            envOr("PGUSER", "postgres"),
		PGPassFile:        envOr("PGPASSFILE", filepath.Join(os.Getenv("HOME"), ".pgpass")),
		PGAdminPass:       envOr("PGADMINPASS", "-"),
		MSHost:            os.Getenv("MSHOST"),
		MSPort:            envOr("MSPORT", "3306"),
		MSUser:            os.Getenv("MSUSER"),
		MSPass:            os.Getenv("MSPASS"),
		FromBackup:        envOr("FROM_BACKUP", QueryLatest),
		Database:          os.Getenv("DATABASE"),
		ExpectedDatabases: -1,
		RsyncHost:         os.Getenv("RSYNC_HOST"),
		RsyncUser:         os.Getenv("RSYNC_USER"),
		RsyncPass:         os.Getenv("RSYNC_PASS"),
		RsyncPath:         os.Getenv("RSYNC_PATH"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3Prefix:          os.Getenv("S3_PREFIX"),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
	}

	tier, err := tierstore.ParseTier(envOr("BACKUP_TYPE", string(tierstore.Hourly)))
	if err != nil {
		return nil, err
	}
	cfg.Tier = tier

	priorTier, err := tierstore.ParsePriorTier(envOr("BACKUP_PRIOR_TYPE", string(tierstore.Hourly)))
	if err != nil {
		return nil, err
	}
	cfg.PriorTier = priorTier

	if cfg.Count, err = envInt("BACKUP_COUNT", 24); err != nil {
		return nil, err
	}
	if cfg.PriorCount, err = envInt("BACKUP_PRIOR_COUNT", 24); err != nil {
		return nil, err
	}

	sleepMinutes, err := envInt("BACKUP_PRE_EXIT_SLEEP_M", 0)
	if err != nil {
		return nil, err
	}
	cfg.PreExitSleep = time.Duration(sleepMinutes) * time.Minute

	if raw := os.Getenv("DATABASE_EXPECTED_COUNT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_EXPECTED_COUNT %q: %w", raw, err)
		}
		cfg.ExpectedDatabases = n
	}

	if cfg.MaxLatestAgeHours, err = envInt("LATEST_BACKUP_MAXIMUM_AGE_H", 0); err != nil {
		return nil, err
	}

	// PGHOST decides the flavor: set means postgres, unset means mysql.
	if cfg.PGHost == "" {
		cfg.Flavor = MySQL
	}

	if cfg.RsyncHost != "" {
		switch {
		case cfg.RsyncUser == "":
			return nil, fmt.Errorf("RSYNC_HOST is set but RSYNC_USER is not")
		case cfg.RsyncPass == "":
			return nil, fmt.Errorf("RSYNC_HOST is set but RSYNC_PASS is not")
		case cfg.RsyncPath == "":
			return nil, fmt.Errorf("RSYNC_HOST is set but RSYNC_PATH is not")
		}
	}

	if cfg.S3Bucket != "" || cfg.S3AccessKey != "" || cfg.S3SecretKey != "" {
		if cfg.S3Bucket == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return nil, fmt.Errorf("object storage requires S3_BUCKET, S3_ACCESS_KEY and S3_SECRET_KEY together")
		}
	}

	return cfg, nil
}

// QueryKind normalises FROM_BACKUP into one of the keywords, or returns
// the raw value to be used as a search fragment.
func (c *Config) QueryKind() string {
	switch strings.ToUpper(c.FromBackup) {
	case QueryNone:
		return QueryNone
	case QueryLatest:
		return QueryLatest
	}
	return c.FromBackup
}

// HasAdminPass reports whether an admin password was supplied via
// PGADMINPASS ("-" is the not-supplied marker).
func (c *Config) HasAdminPass() bool {
	return c.PGAdminPass != "-"
}

// RsyncEnabled reports whether the post-backup rsync mirror is configured.
func (c *Config) RsyncEnabled() bool {
	return c.RsyncHost != ""
}

// S3Enabled reports whether the object-storage mirror is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// EchoBackup logs the settings relevant to a backup run.
func (c *Config) EchoBackup() {
	slog.Info("configuration",
		"database_flavour", c.Flavor.String(),
		"backup_type", c.Tier,
		"backup_count", c.Count,
		"backup_dir", filepath.Join(c.RootDir, string(c.Tier)),
		"pre_exit_sleep", c.PreExitSleep,
	)
	if c.Tier != tierstore.Hourly {
		slog.Info("promotion configuration",
			"backup_prior_type", c.PriorTier,
			"backup_prior_count", c.PriorCount,
		)
	}
	if c.Tier == tierstore.Hourly {
		if c.Flavor == Postgres {
			slog.Info("postgres configuration",
				"pghost", c.PGHost,
				"pguser", c.PGUser,
				"pgpassfile", c.PGPassFile,
				"pgadminpass", suppliedOrNot(c.HasAdminPass()),
			)
		} else {
			slog.Info("mysql configuration",
				"mshost", c.MSHost,
				"msport", c.MSPort,
				"msuser", c.MSUser,
			)
		}
	}
}

// EchoRecovery logs the settings relevant to a recovery run.
func (c *Config) EchoRecovery() {
	database := c.Database
	if database == "" {
		database = "(unspecified - recovering all)"
	}

	expected := "(unspecified)"
	if c.ExpectedDatabases >= 0 {
		expected = strconv.Itoa(c.ExpectedDatabases)
	}

	slog.Info("configuration",
		"database_flavour", c.Flavor.String(),
		"from_backup", c.FromBackup,
		"database", database,
		"database_expected_count", expected,
	)
	if c.Flavor == Postgres {
		slog.Info("postgres configuration",
			"pghost", c.PGHost,
			"pguser", c.PGUser,
			"pgadminpass", suppliedOrNot(c.HasAdminPass()),
		)
	}
}

func suppliedOrNot(supplied bool) string {
	if supplied {
		return "(supplied)"
	}
	return "(not supplied)"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
