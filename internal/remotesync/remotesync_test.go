package remotesync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sqlvault/sqlvault/internal/config"
)

func TestNew(t *testing.T) {
	cfg := &config.Config{
		RsyncHost: "mirror.example.com",
		RsyncUser: "backup",
		RsyncPass: "secret",
		RsyncPath: "/srv/backups",
	}

	s := New(cfg)
	assert.Equal(t, "mirror.example.com", s.Host)
	assert.Equal(t, "/srv/backups", s.Path)
}

func TestRsyncArgs(t *testing.T) {
	s := &Syncer{Host: "mirror.example.com", User: "backup", Pass: "secret", Path: "/srv/backups"}

	assert.Equal(t, []string{
		"-Aav",
		"/backup",
		"backup@mirror.example.com:/srv/backups",
		"--delete",
	}, s.RsyncArgs("/backup"))
}

func TestRsyncArgs_HostileValuesStayVerbatim(t *testing.T) {
	s := &Syncer{Host: "h", User: "u", Pass: `p"; rm -rf /`, Path: "/p"}

	args := s.RsyncArgs("/backup")
	assert.NotContains(t, args, s.Pass, "the password never enters the rsync argument vector")
}

func TestRedacted(t *testing.T) {
	s := &Syncer{Host: "h", User: "u", Pass: "hunter2", Path: "/p"}

	rendered := s.Redacted("/backup")
	assert.NotContains(t, rendered, "hunter2")
	assert.Contains(t, rendered, "rsync -Aav /backup u@h:/p --delete")
}
