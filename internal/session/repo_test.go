package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/octoplane/octoplane/internal/db"
	"github.com/octoplane/octoplane/pkg/types"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "octoplane.db")
	sqlDB, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	_, err = sqlDB.Exec(`INSERT INTO users (id, username, email) VALUES (?, ?, ?)`, "u1", "alice", "alice@example.com")
	require.NoError(t, err)

	return NewRepository(sqlDB)
}

func newTestSession(userID, workspace string) *types.Session {
	now := time.Now()
	return &types.Session{
		ID:             newID(),
		ReadableID:     newReadableID(),
		UserID:         userID,
		WorkspacePath:  workspace,
		Image:          "octoplane/workspace:latest",
		Status:         types.SessionPending,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s := newTestSession("u1", "/home/octo_alice/octoplane/proj")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, s, 7, 41820))
	require.Equal(t, 41820, s.OpencodePort)

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Equal(t, types.SessionPending, got.Status)

	byReadable, err := repo.GetByReadableID(ctx, s.ReadableID)
	require.NoError(t, err)
	require.Equal(t, s.ID, byReadable.ID)
}

func TestRepository_CreateAllocatesDisjointPorts(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	a := newTestSession("u1", "/home/octo_alice/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, a, 4, 41820))
	a.Status = types.SessionRunning
	require.NoError(t, repo.Update(ctx, a))

	b := newTestSession("u1", "/home/octo_alice/octoplane/b")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, b, 4, 41820))

	require.Equal(t, 41820, a.OpencodePort)
	require.Equal(t, 41824, b.OpencodePort)
}

func TestRepository_PortsReleasedOnStop(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	a := newTestSession("u1", "/home/octo_alice/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, a, 4, 41820))
	a.Status = types.SessionStopped
	require.NoError(t, repo.Update(ctx, a))

	b := newTestSession("u1", "/home/octo_alice/octoplane/b")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, b, 4, 41820))

	// a is stopped (terminal), so b reuses the freed base.
	require.Equal(t, 41820, b.OpencodePort)
}

func TestRepository_ActiveCountForUser(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	a := newTestSession("u1", "/home/octo_alice/octoplane/a")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, a, 4, 41820))

	count, err := repo.ActiveCountForUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	a.Status = types.SessionStopped
	require.NoError(t, repo.Update(ctx, a))

	count, err = repo.ActiveCountForUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestRepository_GetActiveByWorkspace(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s := newTestSession("u1", "/home/octo_alice/octoplane/proj")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, s, 4, 41820))

	got, err := repo.GetActiveByWorkspace(ctx, "u1", "/home/octo_alice/octoplane/proj")
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)

	s.Status = types.SessionStopped
	require.NoError(t, repo.Update(ctx, s))

	_, err = repo.GetActiveByWorkspace(ctx, "u1", "/home/octo_alice/octoplane/proj")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_OldestIdleRunning(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s := newTestSession("u1", "/home/octo_alice/octoplane/proj")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, s, 4, 41820))
	s.Status = types.SessionRunning
	s.LastActivityAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Update(ctx, s))

	victim, err := repo.OldestIdleRunning(ctx, "u1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, s.ID, victim.ID)

	_, err = repo.OldestIdleRunning(ctx, "u1", time.Now().Add(-2*time.Hour))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_Delete(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	s := newTestSession("u1", "/home/octo_alice/octoplane/proj")
	require.NoError(t, repo.CreateWithAllocatedPorts(ctx, s, 4, 41820))
	require.NoError(t, repo.Delete(ctx, s.ID))

	_, err := repo.Get(ctx, s.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
