package usermgr

import "context"

// UserManager is the privileged-action interface the control plane
// depends on. Two implementations exist: RemoteUserManager, which talks
// to the root daemon over its Unix socket, and NoopUserManager, used in
// the single_user deployment profile where
// there is no per-tenant OS identity to provision.
type UserManager interface {
	Ping(ctx context.Context) error
	CreateGroup(ctx context.Context, group string) error
	CreateUser(ctx context.Context, args CreateUserArgs) error
	DeleteUser(ctx context.Context, username string) error
	Mkdir(ctx context.Context, path string) error
	Chown(ctx context.Context, owner, path string, recursive bool) error
	Chmod(ctx context.Context, mode, path string) error
	EnableLinger(ctx context.Context, username string) error
	StartUserService(ctx context.Context, uid int) error
	SetupUserRunner(ctx context.Context, username string, uid int) error
	CreateWorkspace(ctx context.Context, args CreateWorkspaceArgs) error
	SetupUserShell(ctx context.Context, username string) error
	InstallPiExtensions(ctx context.Context, username string) error
	RunAsUser(ctx context.Context, username string, argv []string) (string, error)
}
