// Package restore unpacks a selected archive and feeds it to the
// database client's restore tool.
package restore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/dump"
	"github.com/sqlvault/sqlvault/internal/fault"
)

const (
	ReasonUnpackFailed   = "Unpack failed"
	ReasonRecoveryFailed = "Recovery failed"
)

// Role statements for the superuser are dropped during unpacking. The
// restore already runs as that user, so replaying its CREATE or DROP
// fails the whole script under ON_ERROR_STOP.
var roleStatement = regexp.MustCompile(`^(CREATE|DROP) ROLE postgres;`)

// Unpack decompresses the archive at src into the SQL file at dest,
// dropping superuser role statements line by line.
func Unpack(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fault.New(ReasonUnpackFailed, err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fault.New(ReasonUnpackFailed, err)
	}
	defer gz.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fault.New(ReasonUnpackFailed, err)
	}

	writer := bufio.NewWriter(out)
	// Dump files can carry very long data lines, so read with a plain
	// buffered reader rather than a line scanner and its token limit.
	reader := bufio.NewReader(gz)

	for {
		line, readErr := reader.ReadString('\n')
		if len(line) > 0 && !roleStatement.MatchString(line) {
			if _, err := writer.WriteString(line); err != nil {
				out.Close()
				return fault.New(ReasonUnpackFailed, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fault.New(ReasonUnpackFailed, readErr)
		}
	}

	if err := writer.Flush(); err != nil {
		out.Close()
		return fault.New(ReasonUnpackFailed, err)
	}
	if err := out.Close(); err != nil {
		return fault.New(ReasonUnpackFailed, err)
	}

	return nil
}

// PostgresCommand builds the psql invocation that replays the unpacked
// SQL. A full-server replay stops at the first error; a single-database
// replay tolerates statements for the databases it skips.
func PostgresCommand(cfg *config.Config, sqlPath string) dump.Command {
	args := []string{
		"-q",
		"--host=" + cfg.PGHost,
		"--username=" + cfg.PGUser,
		"--no-password",
	}
	if cfg.Database == "" {
		args = append(args, "-v", "ON_ERROR_STOP=1", "--file="+sqlPath)
	} else {
		args = append(args, "--file="+sqlPath, cfg.Database)
	}
	return dump.Command{
		Path: "psql",
		Args: args,
		Env:  append(os.Environ(), "PGPASSFILE="+os.ExpandEnv(cfg.PGPassFile)),
	}
}

// MySQLCommand builds the mysql invocation that replays the unpacked SQL
// from its standard input.
func MySQLCommand(cfg *config.Config) dump.Command {
	args := []string{
		"--host=" + cfg.MSHost,
		"--port=" + cfg.MSPort,
		"--user=" + cfg.MSUser,
		"--password=" + cfg.MSPass,
	}
	if cfg.Database != "" {
		args = append(args, cfg.Database)
	}
	return dump.Command{
		Path: "mysql",
		Args: args,
		Env:  os.Environ(),
	}
}

// Runner replays the unpacked SQL file through the restore tool.
type Runner struct {
	Cmd dump.Command

	// StdinPath, when set, is streamed to the tool's standard input.
	// The mysql client takes its script that way; psql takes --file.
	StdinPath string
}

// RunnerFor builds the runner for the configured flavor.
func RunnerFor(cfg *config.Config, sqlPath string) *Runner {
	if cfg.Flavor == config.MySQL {
		return &Runner{Cmd: MySQLCommand(cfg), StdinPath: sqlPath}
	}
	return &Runner{Cmd: PostgresCommand(cfg, sqlPath)}
}

// Run executes the restore. A non-zero exit fails the run; output on the
// error stream with a zero exit is only a warning, restore tools write
// notices there during a perfectly good replay.
func (r *Runner) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.Cmd.Path, r.Cmd.Args...)
	cmd.Env = r.Cmd.Env

	if r.StdinPath != "" {
		in, err := os.Open(r.StdinPath)
		if err != nil {
			return fault.New(ReasonRecoveryFailed, err)
		}
		defer in.Close()
		cmd.Stdin = in
	}

	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	slog.Info("running restore", "command", r.Cmd.Redacted())
	runErr := cmd.Run()

	if stderrText := strings.TrimSpace(stderr.String()); stderrText != "" {
		if runErr == nil {
			slog.Warn("restore tool wrote to stderr but exited cleanly", "stderr", stderrText)
		} else {
			slog.Error("restore tool stderr", "stderr", stderrText)
		}
	}

	if runErr != nil {
		return fault.New(ReasonRecoveryFailed, fmt.Errorf("restore command failed: %w", runErr))
	}

	return nil
}
