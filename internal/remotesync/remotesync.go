// Package remotesync mirrors the backup tree to a remote host over
// rsync, authenticating with sshpass.
package remotesync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sqlvault/sqlvault/internal/config"
	"github.com/sqlvault/sqlvault/internal/fault"
)

const (
	ReasonKeyscanFailed = "Keyscan failed"
	ReasonRsyncFailed   = "Rsync failed"
)

// Syncer pushes the local backup tree to user@host:path.
type Syncer struct {
	Host string
	User string
	Pass string
	Path string

	// KnownHostsFile receives the scanned host key. Empty selects the
	// default ~/.ssh/known_hosts.
	KnownHostsFile string
}

func New(cfg *config.Config) *Syncer {
	return &Syncer{
		Host: cfg.RsyncHost,
		User: cfg.RsyncUser,
		Pass: cfg.RsyncPass,
		Path: cfg.RsyncPath,
	}
}

// RsyncArgs returns the rsync argument vector for mirroring rootDir.
// --delete keeps the remote an exact copy, pruned records disappear from
// the mirror instead of accumulating there.
func (s *Syncer) RsyncArgs(rootDir string) []string {
	return []string{
		"-Aav",
		rootDir,
		fmt.Sprintf("%s@%s:%s", s.User, s.Host, s.Path),
		"--delete",
	}
}

// Redacted renders the rsync invocation for the logs. The password never
// appears in the argument vector, sshpass receives it separately.
func (s *Syncer) Redacted(rootDir string) string {
	return "sshpass -p <masked> rsync " + strings.Join(s.RsyncArgs(rootDir), " ")
}

// Sync scans the remote host key into known_hosts, then mirrors rootDir.
func (s *Syncer) Sync(ctx context.Context, rootDir string) error {
	if err := s.scanHostKey(ctx); err != nil {
		return err
	}
	return s.runRsync(ctx, rootDir)
}

// scanHostKey appends the remote's host key so the rsync transport does
// not stop at an interactive trust prompt. Only the exit code matters
// here, ssh-keyscan writes its progress comments to stderr.
func (s *Syncer) scanHostKey(ctx context.Context) error {
	target := s.KnownHostsFile
	if target == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fault.New(ReasonKeyscanFailed, err)
		}
		target = filepath.Join(home, ".ssh", "known_hosts")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fault.New(ReasonKeyscanFailed, err)
	}

	slog.Info("running ssh-keyscan", "host", s.Host)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ssh-keyscan", s.Host)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderrText := strings.TrimSpace(stderr.String()); stderrText != "" {
			slog.Error("ssh-keyscan stderr", "stderr", stderrText)
		}
		return fault.New(ReasonKeyscanFailed, err)
	}

	file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fault.New(ReasonKeyscanFailed, err)
	}
	defer file.Close()

	if _, err := file.Write(stdout.Bytes()); err != nil {
		return fault.New(ReasonKeyscanFailed, err)
	}

	return nil
}

// runRsync mirrors rootDir. The transfer counts as failed when rsync
// exits non-zero or writes anything to its error stream.
func (s *Syncer) runRsync(ctx context.Context, rootDir string) error {
	slog.Info("running rsync", "command", s.Redacted(rootDir))
	start := time.Now()

	args := append([]string{"-p", s.Pass, "rsync"}, s.RsyncArgs(rootDir)...)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sshpass", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	slog.Info("rsync finished", "elapsed", time.Since(start).Round(time.Millisecond))

	if stderrText := strings.TrimSpace(stderr.String()); stderrText != "" {
		slog.Error("rsync stderr", "stderr", stderrText)
		if runErr == nil {
			runErr = fmt.Errorf("rsync wrote to stderr despite exit code 0")
		}
	}

	if runErr != nil {
		return fault.New(ReasonRsyncFailed, runErr)
	}

	return nil
}
