package usermgr

import (
	"context"

	"github.com/octoplane/octoplane/internal/ipc"
)

// RemoteUserManager is the control plane's handle onto the root daemon:
// every call is one line-JSON request over the daemon's Unix socket.
type RemoteUserManager struct {
	client *ipc.Client
}

// NewRemoteUserManager dials the daemon's socket at path.
func NewRemoteUserManager(path string) (*RemoteUserManager, error) {
	c, err := ipc.Dial(path)
	if err != nil {
		return nil, err
	}
	return &RemoteUserManager{client: c}, nil
}

// Close releases the socket connection.
func (r *RemoteUserManager) Close() error { return r.client.Close() }

func (r *RemoteUserManager) Ping(ctx context.Context) error {
	return r.client.Call(ctx, OpPing, nil, nil)
}

func (r *RemoteUserManager) CreateGroup(ctx context.Context, group string) error {
	return r.client.Call(ctx, OpCreateGroup, CreateGroupArgs{Group: group}, nil)
}

func (r *RemoteUserManager) CreateUser(ctx context.Context, args CreateUserArgs) error {
	return r.client.Call(ctx, OpCreateUser, args, nil)
}

func (r *RemoteUserManager) DeleteUser(ctx context.Context, username string) error {
	return r.client.Call(ctx, OpDeleteUser, DeleteUserArgs{Username: username}, nil)
}

func (r *RemoteUserManager) Mkdir(ctx context.Context, path string) error {
	return r.client.Call(ctx, OpMkdir, MkdirArgs{Path: path}, nil)
}

func (r *RemoteUserManager) Chown(ctx context.Context, owner, path string, recursive bool) error {
	return r.client.Call(ctx, OpChown, ChownArgs{Owner: owner, Path: path, Recursive: recursive}, nil)
}

func (r *RemoteUserManager) Chmod(ctx context.Context, mode, path string) error {
	return r.client.Call(ctx, OpChmod, ChmodArgs{Mode: mode, Path: path}, nil)
}

func (r *RemoteUserManager) EnableLinger(ctx context.Context, username string) error {
	return r.client.Call(ctx, OpEnableLinger, EnableLingerArgs{Username: username}, nil)
}

func (r *RemoteUserManager) StartUserService(ctx context.Context, uid int) error {
	return r.client.Call(ctx, OpStartUserService, StartUserServiceArgs{UID: uid}, nil)
}

func (r *RemoteUserManager) SetupUserRunner(ctx context.Context, username string, uid int) error {
	return r.client.Call(ctx, OpSetupUserRunner, SetupUserRunnerArgs{Username: username, UID: uid}, nil)
}

func (r *RemoteUserManager) CreateWorkspace(ctx context.Context, args CreateWorkspaceArgs) error {
	return r.client.Call(ctx, OpCreateWorkspace, args, nil)
}

func (r *RemoteUserManager) SetupUserShell(ctx context.Context, username string) error {
	return r.client.Call(ctx, OpSetupUserShell, SetupUserShellArgs{Username: username}, nil)
}

func (r *RemoteUserManager) InstallPiExtensions(ctx context.Context, username string) error {
	return r.client.Call(ctx, OpInstallPiExtensions, InstallPiExtensionsArgs{Username: username}, nil)
}

// RunAsUser executes argv as the target user via the daemon and
// returns the command's stdout.
func (r *RemoteUserManager) RunAsUser(ctx context.Context, username string, argv []string) (string, error) {
	var result RunAsUserResult
	err := r.client.Call(ctx, OpRunAsUser, RunAsUserArgs{Username: username, Argv: argv}, &result)
	return result.Stdout, err
}
