// Package naming encodes and decodes archive filenames.
//
// Archives are named <prefix>-<timestamp>Z-<suffix>, for example
// backup-2018-06-25T21:05:07Z-dumpall.sql.gz. The timestamp layout is
// fixed-width and zero-padded, so sorting filenames as strings sorts them
// chronologically.
package naming

import (
	"regexp"
	"strings"
	"time"
)

// TimeLayout is the timestamp layout embedded in archive filenames,
// second precision with no zone offset.
const TimeLayout = "2006-01-02T15:04:05"

var timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z`)

// Encode builds an archive filename from its parts. Fractions of a second
// are dropped. The trailing Z is a label carried over from the earliest
// deployments of this layout: the wall-clock value is written as-is, it is
// not converted to UTC.
func Encode(prefix string, t time.Time, suffix string) string {
	return prefix + "-" + t.Format(TimeLayout) + "Z-" + suffix
}

// Matches reports whether query occurs anywhere in filename. Partial
// timestamps (a bare date, an hour without minutes) match every archive
// whose name contains them.
func Matches(filename, query string) bool {
	return strings.Contains(filename, query)
}

// ExtractTimestamp parses the timestamp embedded in an archive filename.
// It returns false when no well-formed timestamp fragment is present.
func ExtractTimestamp(filename string) (time.Time, bool) {
	fragment := timestampPattern.FindString(filename)
	if fragment == "" {
		return time.Time{}, false
	}

	t, err := time.Parse(TimeLayout, strings.TrimSuffix(fragment, "Z"))
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}
