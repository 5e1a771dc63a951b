// Package provision implements session.UserResolver by lazily chaining
// the user-manager's privileged-action set the first time a
// platform user needs a Linux identity: create-group, create-user,
// create-workspace, enable-linger, start-user-service, setup-user-runner,
// setup-user-shell, install-pi-extensions, in that order.
package provision

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/internal/session"
	"github.com/octoplane/octoplane/internal/usermgr"
	"github.com/octoplane/octoplane/pkg/types"
)

// AccountStore is the subset of accounts.Repository this package needs:
// look up a user and persist the Linux identity assigned to it.
type AccountStore interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
	UpdateUser(ctx context.Context, u *types.User) error
}

// Config pins the platform constants used to derive a Linux identity
// from a platform user, and the rollback policy for open question 1.
type Config struct {
	UsernamePrefix          string
	Group                   string
	GecosPrefix             string
	HomeRoot                string // e.g. "/home"
	MinUID, MaxUID          int
	CleanupOnPartialFailure bool
}

// Provisioner resolves a platform user id to its Linux identity,
// provisioning one on first use. Safe for concurrent ResolveUser calls:
// a mutex serializes provisioning so two sessions created back-to-back
// for the same never-before-seen user don't race to create it twice.
type Provisioner struct {
	mgr      usermgr.UserManager
	accounts AccountStore
	cfg      Config
	log      zerolog.Logger

	mu         sync.Mutex
	groupReady bool
}

func New(mgr usermgr.UserManager, accounts AccountStore, cfg Config, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		mgr:      mgr,
		accounts: accounts,
		cfg:      cfg,
		log:      log.With().Str("component", "provision").Logger(),
	}
}

var _ session.UserResolver = (*Provisioner)(nil)

// ResolveUser returns u's Linux identity, provisioning one if u has
// never had a session before. LinuxUID, once assigned, is immutable
// a user who already has one just gets it looked up.
func (p *Provisioner) ResolveUser(ctx context.Context, userID string) (session.WorkspaceUser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, err := p.accounts.GetUser(ctx, userID)
	if err != nil {
		return session.WorkspaceUser{}, types.Wrap(types.ErrInternal, "lookup user for provisioning", err)
	}

	if u.HasLinuxIdentity() {
		return session.WorkspaceUser{
			LinuxUsername: u.LinuxUsername,
			HomeDir:       filepath.Join(p.cfg.HomeRoot, u.LinuxUsername),
		}, nil
	}

	if err := p.ensureGroup(ctx); err != nil {
		return session.WorkspaceUser{}, err
	}

	linuxUsername := p.linuxUsername(u)
	uid, err := p.nextUID(ctx)
	if err != nil {
		return session.WorkspaceUser{}, err
	}
	homeDir := filepath.Join(p.cfg.HomeRoot, linuxUsername)

	if err := p.provision(ctx, linuxUsername, uid); err != nil {
		return session.WorkspaceUser{}, err
	}

	u.LinuxUsername = linuxUsername
	u.LinuxUID = uid
	if err := p.accounts.UpdateUser(ctx, u); err != nil {
		return session.WorkspaceUser{}, types.Wrap(types.ErrInternal, "persist linux identity", err)
	}

	return session.WorkspaceUser{LinuxUsername: linuxUsername, HomeDir: homeDir}, nil
}

func (p *Provisioner) ensureGroup(ctx context.Context) error {
	if p.groupReady {
		return nil
	}
	if err := p.mgr.CreateGroup(ctx, p.cfg.Group); err != nil && types.KindOf(err) != types.ErrAlreadyExists {
		return types.Wrap(types.ErrInternal, "create platform group", err)
	}
	p.groupReady = true
	return nil
}

// linuxUsername derives a validator-acceptable username from the
// platform username: the fixed prefix plus a sanitized suffix, per
// the "begins with octo_/oqto_, no path chars" username rule.
func (p *Provisioner) linuxUsername(u *types.User) string {
	suffix := strings.ToLower(u.Username)
	var b strings.Builder
	for _, r := range suffix {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return p.cfg.UsernamePrefix + b.String()
}

// nextUID picks the next free uid in [MinUID, MaxUID). Provisioning is
// serialized by the Provisioner's mutex, so a simple incrementing scan
// is race-free without its own persistence: it re-derives the watermark
// from the accounts store each time.
func (p *Provisioner) nextUID(ctx context.Context) (int, error) {
	type lister interface {
		ListUsers(ctx context.Context) ([]*types.User, error)
	}
	l, ok := p.accounts.(lister)
	if !ok {
		return p.cfg.MinUID, nil
	}
	users, err := l.ListUsers(ctx)
	if err != nil {
		return 0, types.Wrap(types.ErrInternal, "list users for uid allocation", err)
	}
	max := p.cfg.MinUID - 1
	for _, u := range users {
		if u.LinuxUID > max {
			max = u.LinuxUID
		}
	}
	next := max + 1
	if next < p.cfg.MinUID {
		next = p.cfg.MinUID
	}
	if next >= p.cfg.MaxUID {
		return 0, types.NewError(types.ErrInternal, "linux uid range exhausted")
	}
	return next, nil
}

// provision runs the user-manager's operation chain in order, generating
// service files for the new user, rolling the Linux user back if
// CleanupOnPartialFailure is set and a later step fails; resolved as a
// configurable policy.
func (p *Provisioner) provision(ctx context.Context, username string, uid int) error {
	if err := p.mgr.CreateUser(ctx, usermgr.CreateUserArgs{
		Username:   username,
		UID:        uid,
		Group:      p.cfg.Group,
		Shell:      "/bin/bash",
		Gecos:      p.cfg.GecosPrefix + " workspace user",
		CreateHome: true,
	}); err != nil {
		return types.Wrap(types.ErrInternal, "create linux user", err)
	}

	workspacePath := filepath.Join(p.cfg.HomeRoot, username, "workspace")
	steps := []func() error{
		func() error {
			return p.mgr.CreateWorkspace(ctx, usermgr.CreateWorkspaceArgs{Username: username, Path: workspacePath})
		},
		func() error { return p.mgr.EnableLinger(ctx, username) },
		func() error { return p.mgr.StartUserService(ctx, uid) },
		func() error { return p.mgr.SetupUserRunner(ctx, username, uid) },
		func() error { return p.mgr.SetupUserShell(ctx, username) },
		func() error { return p.mgr.InstallPiExtensions(ctx, username) },
	}

	for i, step := range steps {
		if err := step(); err != nil {
			wrapped := types.Wrap(types.ErrInternal, fmt.Sprintf("provision step %d", i), err)
			if p.cfg.CleanupOnPartialFailure {
				if derr := p.mgr.DeleteUser(ctx, username); derr != nil {
					p.log.Error().Err(derr).Str("username", username).Msg("rollback delete-user failed after partial provisioning failure")
				}
			} else {
				p.log.Warn().Err(err).Str("username", username).Msg("partial user provisioning left in place (cleanup_on_partial_failure=false)")
			}
			return wrapped
		}
	}
	return nil
}
