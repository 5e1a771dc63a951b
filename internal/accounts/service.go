package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/octoplane/octoplane/pkg/types"
)

// Service wires the repository and token issuer into the operations the
// HTTP API's public and admin routes need.
type Service struct {
	repo   *Repository
	tokens *TokenIssuer
	// InviteRequired gates registration on a valid invite code; disabled
	// deployments (e.g. single_user) set this false.
	InviteRequired bool
}

func NewService(repo *Repository, tokens *TokenIssuer, inviteRequired bool) *Service {
	return &Service{repo: repo, tokens: tokens, InviteRequired: inviteRequired}
}

// RegisterRequest is the caller-supplied subset of a new account.
type RegisterRequest struct {
	Username   string
	Email      string
	Password   string
	InviteCode string
}

// Register validates the invite code (if required), creates the user
// row with a bcrypt password hash, and redeems the invite code.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*types.User, error) {
	if s.InviteRequired {
		if req.InviteCode == "" {
			return nil, types.NewError(types.ErrBadRequest, "invite code is required")
		}
		code, err := s.repo.GetInviteCode(ctx, req.InviteCode)
		if err != nil {
			if err == ErrNotFound {
				return nil, types.NewError(types.ErrBadRequest, "invite code not found")
			}
			return nil, types.Wrap(types.ErrInternal, "lookup invite code", err)
		}
		if !code.Valid(time.Now()) {
			return nil, types.NewError(types.ErrBadRequest, "invite code is not valid")
		}
	}

	if _, err := s.repo.GetUserByUsername(ctx, req.Username); err == nil {
		return nil, types.NewError(types.ErrConflict, "username already taken")
	} else if err != ErrNotFound {
		return nil, types.Wrap(types.ErrInternal, "lookup username", err)
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, "hash password", err)
	}

	u := &types.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         types.RoleUser,
		IsActive:     true,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, types.Wrap(types.ErrInternal, "create user", err)
	}

	if s.InviteRequired {
		if err := s.repo.RedeemInviteCode(ctx, req.InviteCode, u.ID); err != nil {
			return nil, types.Wrap(types.ErrInternal, "redeem invite code", err)
		}
	}

	return u, nil
}

// Login verifies credentials and issues a bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (*types.User, string, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if err == ErrNotFound {
			return nil, "", types.NewError(types.ErrUnauthorized, "invalid credentials")
		}
		return nil, "", types.Wrap(types.ErrInternal, "lookup user", err)
	}
	if !u.IsActive {
		return nil, "", types.NewError(types.ErrForbidden, "account is disabled")
	}
	if !CheckPassword(u.PasswordHash, password) {
		return nil, "", types.NewError(types.ErrUnauthorized, "invalid credentials")
	}

	token, err := s.tokens.Issue(u)
	if err != nil {
		return nil, "", types.Wrap(types.ErrInternal, "issue token", err)
	}
	return u, token, nil
}

// Authenticate verifies a bearer/cookie token and loads the user it names.
func (s *Service) Authenticate(ctx context.Context, token string) (*types.User, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	u, err := s.repo.GetUser(ctx, claims.UserID)
	if err != nil {
		if err == ErrNotFound {
			return nil, types.NewError(types.ErrUnauthorized, "user no longer exists")
		}
		return nil, types.Wrap(types.ErrInternal, "lookup user", err)
	}
	if !u.IsActive {
		return nil, types.NewError(types.ErrForbidden, "account is disabled")
	}
	return u, nil
}

// AdvanceOnboarding moves userID's onboarding to the next stage and
// unlocks component, idempotently.
func (s *Service) AdvanceOnboarding(ctx context.Context, userID, component string) (*types.OnboardingState, error) {
	o, err := s.repo.GetOnboardingState(ctx, userID)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, "get onboarding state", err)
	}
	if component != "" && !o.IsUnlocked(component) {
		o.UnlockedComponents = append(o.UnlockedComponents, component)
	}
	o.StageIndex++
	if err := s.repo.UpdateOnboardingState(ctx, o); err != nil {
		return nil, types.Wrap(types.ErrInternal, "update onboarding state", err)
	}
	return o, nil
}

// CompleteOnboarding marks userID's onboarding finished.
func (s *Service) CompleteOnboarding(ctx context.Context, userID string) error {
	o, err := s.repo.GetOnboardingState(ctx, userID)
	if err != nil {
		return fmt.Errorf("accounts: get onboarding state: %w", err)
	}
	o.Completed = true
	return s.repo.UpdateOnboardingState(ctx, o)
}

// The methods below are thin pass-throughs to the repository for the
// admin routes: user and invite-code CRUD with no extra business logic
// beyond what the repository itself enforces.

func (s *Service) GetUser(ctx context.Context, id string) (*types.User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if err == ErrNotFound {
		return nil, types.NewError(types.ErrNotFound, "user not found")
	}
	return u, err
}

func (s *Service) ListUsers(ctx context.Context) ([]*types.User, error) {
	return s.repo.ListUsers(ctx)
}

func (s *Service) UpdateUser(ctx context.Context, u *types.User) error {
	return s.repo.UpdateUser(ctx, u)
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	return s.repo.DeleteUser(ctx, id)
}

func (s *Service) CreateInviteCode(ctx context.Context, c *types.InviteCode) error {
	return s.repo.CreateInviteCode(ctx, c)
}

func (s *Service) ListInviteCodes(ctx context.Context) ([]*types.InviteCode, error) {
	return s.repo.ListInviteCodes(ctx)
}

func (s *Service) RevokeInviteCode(ctx context.Context, code string) error {
	return s.repo.RevokeInviteCode(ctx, code)
}
