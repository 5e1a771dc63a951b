package useragents

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoplane/octoplane/internal/runner"
	"github.com/octoplane/octoplane/pkg/types"
)

type fakeAccounts struct {
	users map[string]*types.User
}

func newFakeAccounts(u *types.User) *fakeAccounts {
	return &fakeAccounts{users: map[string]*types.User{u.ID: u}}
}

func (f *fakeAccounts) GetUser(ctx context.Context, id string) (*types.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "user not found")
	}
	cp := *u
	return &cp, nil
}

func (f *fakeAccounts) UpdateUser(ctx context.Context, u *types.User) error {
	f.users[u.ID] = u
	return nil
}

func (f *fakeAccounts) ListUsers(ctx context.Context) ([]*types.User, error) {
	out := make([]*types.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

// fakeStatus plays the role of the user-manager's run-as-user op,
// returning a canned `mmry service status` transcript per user.
type fakeStatus struct {
	output map[string]string // linux username -> stdout
	calls  int
}

func (f *fakeStatus) RunAsUser(ctx context.Context, username string, argv []string) (string, error) {
	f.calls++
	out, ok := f.output[username]
	if !ok {
		return "", types.NewError(types.ErrCommandFailed, "no such service")
	}
	return out, nil
}

// startTestRunner spins a real per-user runner on a temp socket so the
// pool's spawn/kill path is exercised against the actual runner
// protocol, mirroring internal/ipc's own client/server test setup.
func startTestRunner(t *testing.T, uid int) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "runner.sock")
	r := runner.New(uid, zerolog.New(io.Discard))
	go r.ListenAndServe(sockPath)
	require.Eventually(t, func() bool {
		c, err := runner.Dial(sockPath)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 10*time.Millisecond)
	t.Cleanup(func() { r.Close() })
	return sockPath
}

func listProcesses(t *testing.T, sockPath string) []runner.ProcessInfo {
	t.Helper()
	c, err := runner.Dial(sockPath)
	require.NoError(t, err)
	defer c.Close()
	procs, err := c.ListProcesses(context.Background())
	require.NoError(t, err)
	return procs
}

// sleeperScript writes an executable that ignores whatever it is
// invoked with and just sleeps, standing in for the real mmry/sldr
// binaries. It never listens on a port, so pools under test stub the
// readiness probe.
func sleeperScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sleeper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	return path
}

func testPool(t *testing.T, accounts AccountStore, status StatusRunner, sockPath string) *Pool {
	t.Helper()
	sleeper := sleeperScript(t)
	p := New(accounts, func(linuxUsername string) (*runner.Client, error) {
		return runner.Dial(sockPath)
	}, status, Config{
		MmryBinary: sleeper,
		SldrBinary: sleeper,
		MinPort:    45000,
		MaxPort:    45100,
	}, zerolog.New(io.Discard))
	p.readyProbe = func(ctx context.Context, port int) bool { return true }
	return p
}

func runningCount(procs []runner.ProcessInfo) int {
	n := 0
	for _, p := range procs {
		if p.State == runner.StateRunning {
			n++
		}
	}
	return n
}

func TestEnsure_FirstRefAllocatesPortsAndSpawns(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1", LinuxUsername: "octo_u1", LinuxUID: 20001})
	pool := testPool(t, accounts, nil, sockPath)

	require.NoError(t, pool.Ensure(context.Background(), "u1"))

	u, err := accounts.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 45000, u.MmryPort)
	assert.Equal(t, 45001, u.SldrPort)

	procs := listProcesses(t, sockPath)
	assert.Equal(t, 2, runningCount(procs))
}

func TestEnsure_AdoptsRunningMmryServiceInsteadOfSpawning(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1", LinuxUsername: "octo_u1", LinuxUID: 20001})
	status := &fakeStatus{output: map[string]string{
		"octo_u1": "Service is running\n  PID: 4242\n  gRPC port: 45443\n  HTTP port: 8081 (127.0.0.1:8081)\n  Status: Healthy\n",
	}}
	pool := testPool(t, accounts, status, sockPath)

	require.NoError(t, pool.Ensure(context.Background(), "u1"))

	// The provisioned service is reused: only sldr goes through the
	// runner, and the adopted port is persisted on the user row.
	for _, p := range listProcesses(t, sockPath) {
		assert.NotEqual(t, "mmry-u1", p.ProcessID, "mmry must not be double-spawned when a service is already running")
	}
	u, err := accounts.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 8081, u.MmryPort)
	assert.Positive(t, status.calls)
}

func TestEnsure_ServiceNotRunningFallsBackToSpawn(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1", LinuxUsername: "octo_u1", LinuxUID: 20001})
	status := &fakeStatus{output: map[string]string{
		"octo_u1": "Service is not running\n",
	}}
	pool := testPool(t, accounts, status, sockPath)

	require.NoError(t, pool.Ensure(context.Background(), "u1"))

	assert.Equal(t, 2, runningCount(listProcesses(t, sockPath)))
}

func TestEnsure_SecondRefDoesNotRespawn(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1", LinuxUsername: "octo_u1", LinuxUID: 20001})
	pool := testPool(t, accounts, nil, sockPath)

	require.NoError(t, pool.Ensure(context.Background(), "u1"))
	require.NoError(t, pool.Ensure(context.Background(), "u1"))

	inst := pool.lookup("u1")
	require.NotNil(t, inst)
	assert.Equal(t, 2, inst.sessions)
	assert.Len(t, listProcesses(t, sockPath), 2, "second Ensure must not spawn a duplicate pair")
}

func TestRelease_OnlyTearsDownAtZero(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1", LinuxUsername: "octo_u1", LinuxUID: 20001})
	pool := testPool(t, accounts, nil, sockPath)

	require.NoError(t, pool.Ensure(context.Background(), "u1"))
	require.NoError(t, pool.Ensure(context.Background(), "u1"))

	require.NoError(t, pool.Release(context.Background(), "u1"))
	assert.Equal(t, 2, runningCount(listProcesses(t, sockPath)), "still one live reference, processes stay up")

	require.NoError(t, pool.Release(context.Background(), "u1"))
	require.Eventually(t, func() bool {
		return runningCount(listProcesses(t, sockPath)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPin_KeepsMmryAliveThroughRelease(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1", LinuxUsername: "octo_u1", LinuxUID: 20001})
	pool := testPool(t, accounts, nil, sockPath)

	port, err := pool.Pin(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 45000, port)

	require.NoError(t, pool.Ensure(context.Background(), "u1"))
	require.NoError(t, pool.Release(context.Background(), "u1"))

	// Last session reference is gone but the pin holds the instance.
	assert.NotZero(t, runningCount(listProcesses(t, sockPath)))
	inst := pool.lookup("u1")
	require.NotNil(t, inst)
	assert.True(t, inst.pinned)
}

func TestPin_IsIdempotent(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1", LinuxUsername: "octo_u1", LinuxUID: 20001})
	pool := testPool(t, accounts, nil, sockPath)

	first, err := pool.Pin(context.Background(), "u1")
	require.NoError(t, err)
	second, err := pool.Pin(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAllocatePorts_SkipsUsedPairs(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1", LinuxUsername: "octo_u1", LinuxUID: 20001, MmryPort: 45000, SldrPort: 45001})
	accounts.users["u2"] = &types.User{ID: "u2", LinuxUsername: "octo_u2", LinuxUID: 20002}
	pool := testPool(t, accounts, nil, sockPath)

	require.NoError(t, pool.Ensure(context.Background(), "u2"))

	u2, err := accounts.GetUser(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, 45002, u2.MmryPort)
	assert.Equal(t, 45003, u2.SldrPort)
}

func TestEnsure_NoLinuxIdentityFails(t *testing.T) {
	sockPath := startTestRunner(t, os.Getuid())
	accounts := newFakeAccounts(&types.User{ID: "u1"})
	pool := testPool(t, accounts, nil, sockPath)

	err := pool.Ensure(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, types.ErrInternal, types.KindOf(err))

	assert.Nil(t, pool.lookup("u1"), "a failed first Ensure must not leave a stray instance")
}
