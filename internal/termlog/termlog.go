// Package termlog writes the single-line termination message that
// automation reads after the process exits, typically from the
// container's termination log.
package termlog

import (
	"fmt"
	"log/slog"
	"os"
)

// Success renders the backup success message with the surviving record
// count.
func Success(unexpired int) string {
	return fmt.Sprintf("SUCCESS (UNEXPIRED_BACKUPS=%d)", unexpired)
}

// Failure renders a failure message carrying the short reason.
func Failure(reason string) string {
	return fmt.Sprintf("FAILURE (%s)", reason)
}

// Write puts the message into the termination log file. Failing to
// write it is only logged: the message is advisory and must never turn
// an otherwise finished run into a crash.
func Write(path, message string) {
	if err := os.WriteFile(path, []byte(message), 0o644); err != nil {
		slog.Warn("failed to write termination message", "path", path, "error", err)
	}
}
