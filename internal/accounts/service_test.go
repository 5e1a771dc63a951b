package accounts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoplane/octoplane/internal/db"
	"github.com/octoplane/octoplane/pkg/types"
)

func testService(t *testing.T, inviteRequired bool) (*Service, *Repository) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "octoplane.db")
	sqlDB, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	repo := NewRepository(sqlDB)
	tokens := NewTokenIssuer([]byte("test-secret"), time.Hour)
	return NewService(repo, tokens, inviteRequired), repo
}

func TestRegister_WithoutInviteRequired(t *testing.T) {
	svc, _ := testService(t, false)
	u, err := svc.Register(context.Background(), RegisterRequest{
		Username: "alice", Email: "alice@example.com", Password: "hunter2hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.NotEmpty(t, u.PasswordHash)
	assert.NotEqual(t, "hunter2hunter2", u.PasswordHash)
}

func TestRegister_RejectsDuplicateUsername(t *testing.T) {
	svc, _ := testService(t, false)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@example.com", Password: "hunter2hunter2"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterRequest{Username: "alice", Email: "b@example.com", Password: "hunter2hunter2"})
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestRegister_RequiresValidInviteCode(t *testing.T) {
	svc, repo := testService(t, true)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@example.com", Password: "hunter2hunter2"})
	require.Error(t, err)
	assert.Equal(t, types.ErrBadRequest, types.KindOf(err))

	require.NoError(t, repo.CreateInviteCode(ctx, &types.InviteCode{Code: "WELCOME", UsesRemaining: 1, MaxUses: 1}))

	u, err := svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@example.com", Password: "hunter2hunter2", InviteCode: "WELCOME"})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	code, err := repo.GetInviteCode(ctx, "WELCOME")
	require.NoError(t, err)
	assert.Equal(t, 0, code.UsesRemaining)
}

func TestLogin_RejectsWrongPassword(t *testing.T) {
	svc, _ := testService(t, false)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@example.com", Password: "hunter2hunter2"})
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "alice", "wrong-password")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.KindOf(err))
}

func TestLoginThenAuthenticate_RoundTrips(t *testing.T) {
	svc, _ := testService(t, false)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@example.com", Password: "hunter2hunter2"})
	require.NoError(t, err)

	u, token, err := svc.Login(ctx, "alice", "hunter2hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestAdvanceOnboarding_UnlocksComponentOnce(t *testing.T) {
	svc, _ := testService(t, false)
	ctx := context.Background()
	u, err := svc.Register(ctx, RegisterRequest{Username: "alice", Email: "a@example.com", Password: "hunter2hunter2"})
	require.NoError(t, err)

	o, err := svc.AdvanceOnboarding(ctx, u.ID, "terminal")
	require.NoError(t, err)
	assert.Equal(t, 1, o.StageIndex)
	assert.True(t, o.IsUnlocked("terminal"))

	o2, err := svc.AdvanceOnboarding(ctx, u.ID, "terminal")
	require.NoError(t, err)
	assert.Equal(t, 2, o2.StageIndex)
	assert.Len(t, o2.UnlockedComponents, 1)
}
