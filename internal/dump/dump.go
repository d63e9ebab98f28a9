// Package dump produces the live dump file by running the database
// client's dump tool and compressing its output.
package dump

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/sqlvault/sqlvault/internal/config"
)

// Command is an explicit argument vector for an external tool. Arguments
// are passed verbatim to the process, never through a shell, so hostile
// characters in passwords or hostnames cannot change the command.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Redacted returns a loggable rendering with password arguments masked.
func (c Command) Redacted() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Path)
	for _, arg := range c.Args {
		if strings.HasPrefix(arg, "--password=") {
			arg = "--password=<masked>"
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// PostgresCommand builds the pg_dumpall invocation for a full-server dump.
// Authentication is left to the .pgpass file, as pg_dumpall expects.
func PostgresCommand(cfg *config.Config) Command {
	return Command{
		Path: "pg_dumpall",
		Args: []string{
			"--username=" + cfg.PGUser,
			"--no-password",
			"--clean",
		},
		Env: append(os.Environ(),
			"PGHOST="+cfg.PGHost,
			"PGPASSFILE="+os.ExpandEnv(cfg.PGPassFile),
		),
	}
}

// MySQLCommand builds the mysqldump invocation for an all-databases dump.
// --compact is deliberately not used: it would omit the statements that
// disable foreign-key checks during restore.
func MySQLCommand(cfg *config.Config) Command {
	return Command{
		Path: "mysqldump",
		Args: []string{
			"--all-databases",
			"--host=" + cfg.MSHost,
			"--port=" + cfg.MSPort,
			"--user=" + cfg.MSUser,
			"--password=" + cfg.MSPass,
		},
		Env: os.Environ(),
	}
}

// CommandFor returns the dump command for the configured flavor.
func CommandFor(cfg *config.Config) Command {
	if cfg.Flavor == config.MySQL {
		return MySQLCommand(cfg)
	}
	return PostgresCommand(cfg)
}

// Producer runs a dump command and writes its gzip-compressed output to
// the live file path.
type Producer struct {
	Cmd  Command
	Dest string
}

// Run executes the dump. The run counts as failed when the process exits
// non-zero OR when anything at all appears on its error stream; dump tools
// report corruption there without always failing the exit code. On failure
// the partially written live file is removed by the caller's policy, not
// here.
func (p *Producer) Run(ctx context.Context) error {
	out, err := os.Create(p.Dest)
	if err != nil {
		return fmt.Errorf("failed to create live file %s: %w", p.Dest, err)
	}

	gz := gzip.NewWriter(out)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Cmd.Path, p.Cmd.Args...)
	cmd.Env = p.Cmd.Env
	cmd.Stdout = gz
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if err := gz.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close live file: %w", err)
	}

	if stderrText := strings.TrimSpace(stderr.String()); stderrText != "" {
		slog.Warn("dump tool wrote to stderr", "stderr", stderrText)
		if runErr == nil {
			runErr = fmt.Errorf("dump tool wrote to stderr despite exit code 0")
		}
	}

	if runErr != nil {
		return fmt.Errorf("dump command failed: %w", runErr)
	}

	return nil
}

// WritePassFile installs a wildcard .pgpass entry carrying the supplied
// admin password, replacing whatever file is in place.
func WritePassFile(path, password string) error {
	entry := "*:*:*:*:" + password
	if err := os.WriteFile(path, []byte(entry), 0o600); err != nil {
		return fmt.Errorf("failed to write pgpass file %s: %w", path, err)
	}
	return nil
}
