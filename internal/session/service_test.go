package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/pkg/types"
)

type fakeRuntime struct {
	startErr   error
	statusFunc func(s *types.Session) (ProcessStatus, error)
	started    []string
	stopped    []string
}

func (f *fakeRuntime) Start(ctx context.Context, s *types.Session, specs []ProcessSpec) error {
	f.started = append(f.started, s.ID)
	return f.startErr
}

func (f *fakeRuntime) Stop(ctx context.Context, s *types.Session) error {
	f.stopped = append(f.stopped, s.ID)
	return nil
}

func (f *fakeRuntime) Status(ctx context.Context, s *types.Session) (ProcessStatus, error) {
	if f.statusFunc != nil {
		return f.statusFunc(s)
	}
	return StatusHealthy, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveUser(ctx context.Context, userID string) (WorkspaceUser, error) {
	return WorkspaceUser{LinuxUsername: "octo_" + userID, HomeDir: "/home/octo_" + userID}, nil
}

func testService(t *testing.T, rt Runtime) (*Service, *Repository) {
	t.Helper()
	repo := testRepo(t)
	cfg := config.SessionConfig{
		BasePort:              41820,
		MaxConcurrentSessions: 2,
		DefaultMaxAgents:      2,
		IdleTimeout:           time.Minute,
		IdleCheckInterval:     time.Hour,
		StartupHealthTimeout:  200 * time.Millisecond,
		ReconcileInterval:     time.Hour,
	}
	svc := New(repo, rt, fakeResolver{}, nil, BinaryPaths{
		Opencode: "/usr/local/bin/opencode", Fileserver: "/usr/local/bin/fileserver", TTYD: "/usr/bin/ttyd",
	}, cfg, zerolog.New(io.Discard))
	return svc, repo
}

func TestCreateSession_WritesPendingRowAndSpawns(t *testing.T) {
	rt := &fakeRuntime{}
	svc, repo := testService(t, rt)

	sess, err := svc.CreateSession(context.Background(), CreateSessionRequest{
		UserID:        "u1",
		WorkspacePath: "/home/octo_u1/octoplane/proj",
		Image:         "octoplane/workspace:latest",
		AllowedPathPrefixes: []string{"/home/octo_u1/"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, sess.Status)
	assert.Equal(t, 41820, sess.OpencodePort)

	// startup gate runs in the background; give it a moment.
	require.Eventually(t, func() bool {
		got, err := repo.Get(context.Background(), sess.ID)
		return err == nil && (got.Status == types.SessionFailed || got.Status == types.SessionRunning)
	}, time.Second, 10*time.Millisecond)
}

func TestCreateSession_RejectsPathOutsideAllowlist(t *testing.T) {
	svc, _ := testService(t, &fakeRuntime{})
	_, err := svc.CreateSession(context.Background(), CreateSessionRequest{
		UserID:              "u1",
		WorkspacePath:       "/etc/passwd",
		Image:               "octoplane/workspace:latest",
		AllowedPathPrefixes: []string{"/home/octo_u1/"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidationFailed, types.KindOf(err))
}

func TestCreateSession_ConcurrencyCapEvictsOldestIdle(t *testing.T) {
	rt := &fakeRuntime{}
	svc, repo := testService(t, rt)
	ctx := context.Background()

	a := newTestSession("u1", "/home/octo_u1/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, a, 7, 41820))
	a.Status = types.SessionRunning
	a.LastActivityAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Update(ctx, a))

	b := newTestSession("u1", "/home/octo_u1/octoplane/b")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, b, 7, 41820))
	b.Status = types.SessionRunning
	require.NoError(t, repo.Update(ctx, b))

	_, err := svc.CreateSession(ctx, CreateSessionRequest{
		UserID:              "u1",
		WorkspacePath:       "/home/octo_u1/octoplane/c",
		Image:               "octoplane/workspace:latest",
		AllowedPathPrefixes: []string{"/home/octo_u1/"},
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStopped, got.Status)
}

func TestCreateSession_ConcurrencyLimitWithNoIdleVictim(t *testing.T) {
	svc, repo := testService(t, &fakeRuntime{})
	ctx := context.Background()

	a := newTestSession("u1", "/home/octo_u1/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, a, 7, 41820))
	a.Status = types.SessionRunning
	require.NoError(t, repo.Update(ctx, a))

	b := newTestSession("u1", "/home/octo_u1/octoplane/b")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, b, 7, 41820))
	b.Status = types.SessionRunning
	require.NoError(t, repo.Update(ctx, b))

	_, err := svc.CreateSession(ctx, CreateSessionRequest{
		UserID:              "u1",
		WorkspacePath:       "/home/octo_u1/octoplane/c",
		Image:               "octoplane/workspace:latest",
		AllowedPathPrefixes: []string{"/home/octo_u1/"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrConcurrencyLimit, types.KindOf(err))
}

func TestStopSession_IdempotentOnTerminal(t *testing.T) {
	svc, repo := testService(t, &fakeRuntime{})
	ctx := context.Background()

	s := newTestSession("u1", "/home/octo_u1/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, s, 7, 41820))
	s.Status = types.SessionStopped
	require.NoError(t, repo.Update(ctx, s))

	require.NoError(t, svc.StopSession(ctx, s.ID))
}

func TestDeleteSession_RejectsActive(t *testing.T) {
	svc, repo := testService(t, &fakeRuntime{})
	ctx := context.Background()

	s := newTestSession("u1", "/home/octo_u1/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, s, 7, 41820))
	s.Status = types.SessionRunning
	require.NoError(t, repo.Update(ctx, s))

	err := svc.DeleteSession(ctx, s.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestReconcile_ExitedTriggersRestart(t *testing.T) {
	rt := &fakeRuntime{statusFunc: func(s *types.Session) (ProcessStatus, error) { return StatusExited, nil }}
	svc, repo := testService(t, rt)
	ctx := context.Background()

	s := newTestSession("u1", "/home/octo_u1/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, s, 7, 41820))
	s.Status = types.SessionRunning
	require.NoError(t, repo.Update(ctx, s))

	svc.reconcile(ctx)
	require.Eventually(t, func() bool {
		return len(rt.started) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReconcile_NotFoundMarksFailed(t *testing.T) {
	rt := &fakeRuntime{statusFunc: func(s *types.Session) (ProcessStatus, error) { return StatusNotFound, nil }}
	svc, repo := testService(t, rt)
	ctx := context.Background()

	s := newTestSession("u1", "/home/octo_u1/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, s, 7, 41820))
	s.Status = types.SessionRunning
	require.NoError(t, repo.Update(ctx, s))

	svc.reconcile(ctx)

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, got.Status)
}

func TestAllowRestart_BoundsAttemptsPerWindow(t *testing.T) {
	svc, _ := testService(t, &fakeRuntime{})
	for i := 0; i < maxRestartsPerWindow; i++ {
		assert.True(t, svc.allowRestart("s1"))
	}
	assert.False(t, svc.allowRestart("s1"))
}
