package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsername(t *testing.T) {
	cases := []struct {
		name    string
		prefix  string
		wantErr bool
	}{
		{"octo_alice", "octo_", false},
		{"octo_a1", "octo_", false},
		{"alice", "octo_", true},
		{"octo_Alice", "octo_", true},
		{"octo_/etc/passwd", "octo_", true},
		{"octo_" + string(make([]byte, 40)), "octo_", true},
		{"", "octo_", true},
	}
	for _, c := range cases {
		err := Username(c.name, c.prefix)
		if c.wantErr {
			assert.Error(t, err, c.name)
		} else {
			assert.NoError(t, err, c.name)
		}
	}
}

func TestUID(t *testing.T) {
	assert.NoError(t, UID(2000))
	assert.NoError(t, UID(60000))
	assert.NoError(t, UID(31337))
	assert.Error(t, UID(1999))
	assert.Error(t, UID(60001))
	assert.Error(t, UID(0))
	assert.Error(t, UID(-1))
}

func TestGroup(t *testing.T) {
	assert.NoError(t, Group("octoplane", "octoplane"))
	assert.Error(t, Group("wheel", "octoplane"))
	assert.Error(t, Group("", "octoplane"))
}

func TestShell(t *testing.T) {
	assert.NoError(t, Shell("/bin/bash"))
	assert.NoError(t, Shell("/usr/sbin/nologin"))
	assert.Error(t, Shell("/bin/zsh"))
	assert.Error(t, Shell(""))
}

func TestGecos(t *testing.T) {
	assert.NoError(t, Gecos("octoplane user", "octoplane"))
	assert.Error(t, Gecos("someone else", "octoplane"))
	assert.Error(t, Gecos("octoplane user\x00evil", "octoplane"))
}

func TestPath(t *testing.T) {
	prefixes := []string{"/run/octoplane/runner-sockets/", "/home/octo_"}
	assert.NoError(t, Path("/run/octoplane/runner-sockets/alice/runner.sock", prefixes))
	assert.NoError(t, Path("/home/octo_alice/workspace", prefixes))
	assert.Error(t, Path("relative/path", prefixes))
	assert.Error(t, Path("/etc/passwd", prefixes))
	assert.Error(t, Path("/home/octo_alice/../../../etc/passwd", prefixes))
}

func TestMode(t *testing.T) {
	assert.NoError(t, Mode("755"))
	assert.NoError(t, Mode("0600"))
	assert.NoError(t, Mode("000"))
	assert.Error(t, Mode("abc"))
	assert.Error(t, Mode("7558"))
	assert.Error(t, Mode("+x"))
	assert.Error(t, Mode(""))
}

func TestOwner(t *testing.T) {
	assert.NoError(t, Owner("octo_alice:octoplane", "octo_", "octoplane"))
	assert.Error(t, Owner("alice:octoplane", "octo_", "octoplane"))
	assert.Error(t, Owner("octo_alice:wheel", "octo_", "octoplane"))
	assert.Error(t, Owner("octo_alice", "octo_", "octoplane"))
}

// The validators are total functions: arbitrary byte soup may be
// rejected but must never panic.

func FuzzPath(f *testing.F) {
	f.Add("/home/octo_alice/workspace", "/home/octo_")
	f.Add("relative", "/home/octo_")
	f.Add("/home/octo_a/../../etc", "/home/octo_")
	f.Add("", "")
	f.Fuzz(func(t *testing.T, path, prefix string) {
		_ = Path(path, []string{prefix})
	})
}

func FuzzUsername(f *testing.F) {
	f.Add("octo_alice", "octo_")
	f.Add("root", "octo_")
	f.Add("", "")
	f.Fuzz(func(t *testing.T, username, prefix string) {
		_ = Username(username, prefix)
	})
}

func FuzzMode(f *testing.F) {
	f.Add("2770")
	f.Add("abc")
	f.Add("")
	f.Fuzz(func(t *testing.T, mode string) {
		_ = Mode(mode)
	})
}
