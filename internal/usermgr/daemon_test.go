package usermgr

import (
	"encoding/json"
	"testing"

	"github.com/octoplane/octoplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDaemon() *Daemon {
	cfg := Config{
		UsernamePrefix:      "octo_",
		Group:               "octoplane",
		GecosPrefix:         "octoplane tenant",
		AllowedPathPrefixes: []string{"/run/octoplane/runner-sockets/", "/home/octo_"},
		ReadinessTimeout:    0,
	}
	return New(cfg, discardLogger())
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// Scenario 4: create-user with username "root" is rejected before any
// syscall.
func TestCreateUser_RejectsBadUsername(t *testing.T) {
	d := testDaemon()
	_, err := d.handleCreateUser(mustParams(t, CreateUserArgs{
		Username: "root",
		UID:      2000,
		Group:    "octoplane",
		Shell:    "/bin/bash",
		Gecos:    "octoplane tenant alice",
	}))
	require.Error(t, err)
	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, types.ErrValidationFailed, e.Kind)
}

func TestCreateUser_RejectsBadUID(t *testing.T) {
	d := testDaemon()
	_, err := d.handleCreateUser(mustParams(t, CreateUserArgs{
		Username: "octo_alice",
		UID:      10,
		Group:    "octoplane",
		Shell:    "/bin/bash",
		Gecos:    "octoplane tenant alice",
	}))
	require.Error(t, err)
	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, types.ErrValidationFailed, e.Kind)
}

func TestMkdir_RejectsPathOutsideAllowlist(t *testing.T) {
	d := testDaemon()
	_, err := d.handleMkdir(mustParams(t, MkdirArgs{Path: "/etc/passwd.d"}))
	require.Error(t, err)
	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, types.ErrValidationFailed, e.Kind)
}

func TestChmod_RejectsNonOctal(t *testing.T) {
	d := testDaemon()
	_, err := d.handleChmod(mustParams(t, ChmodArgs{Mode: "999", Path: "/home/octo_alice"}))
	require.Error(t, err)
}

func TestRunAsUser_RejectsBadUsername(t *testing.T) {
	d := testDaemon()
	_, err := d.handleRunAsUser(mustParams(t, RunAsUserArgs{Username: "root", Argv: []string{"id"}}))
	require.Error(t, err)
	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, types.ErrValidationFailed, e.Kind)
}

func TestRestartService_RejectsUnknownService(t *testing.T) {
	d := testDaemon()
	_, err := d.handleRestartService(mustParams(t, RestartServiceArgs{
		Username: "octo_alice",
		Service:  "sshd",
	}))
	require.Error(t, err)
	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, types.ErrValidationFailed, e.Kind)
}
