package restore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"

	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/fault"
)

// CountReason renders the termination reason for a failed database
// count check against the given expectation.
func CountReason(expected int) string {
	return fmt.Sprintf("Count %d failed", expected)
}

// CountDatabases asks the restored server how many databases it now
// holds. Used after a restore to validate an expected count.
func CountDatabases(ctx context.Context, cfg *config.Config) (int, error) {
	if cfg.Flavor == config.MySQL {
		return countMySQL(ctx, cfg)
	}
	return countPostgres(ctx, cfg)
}

func countPostgres(ctx context.Context, cfg *config.Config) (int, error) {
	dsn := fmt.Sprintf("postgres://%s@%s/postgres", cfg.PGUser, cfg.PGHost)
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return 0, fmt.Errorf("failed to connect for database count: %w", err)
	}
	defer conn.Close(ctx)

	var count int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM pg_database").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count databases: %w", err)
	}
	return count, nil
}

func countMySQL(ctx context.Context, cfg *config.Config) (int, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", cfg.MSUser, cfg.MSPass, cfg.MSHost, cfg.MSPort)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return 0, fmt.Errorf("failed to connect for database count: %w", err)
	}
	defer db.Close()

	var count int
	row := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM information_schema.schemata")
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count databases: %w", err)
	}
	return count, nil
}

// VerifyCount checks the restored server's database count against the
// configured expectation. An unset expectation skips the check.
func VerifyCount(ctx context.Context, cfg *config.Config) error {
	if cfg.ExpectedDatabases < 0 {
		return nil
	}

	slog.Info("counting databases", "expected", cfg.ExpectedDatabases)
	actual, err := CountDatabases(ctx, cfg)
	if err != nil {
		return fault.New(CountReason(cfg.ExpectedDatabases), err)
	}

	if actual != cfg.ExpectedDatabases {
		slog.Error("database count mismatch", "expected", cfg.ExpectedDatabases, "actual", actual)
		return fault.New(CountReason(cfg.ExpectedDatabases),
			fmt.Errorf("expected %d databases, found %d", cfg.ExpectedDatabases, actual))
	}

	slog.Info("database count matches", "count", actual)
	return nil
}
