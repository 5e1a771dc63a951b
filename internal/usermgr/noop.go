package usermgr

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/octoplane/octoplane/internal/validate"
	"github.com/octoplane/octoplane/pkg/types"
)

// NoopUserManager implements UserManager for the single_user deployment
// profile: it validates inputs identically
// to the real daemon but no-ops every account/group mutation, since all
// sessions run under the single OS user the control plane itself runs
// as. Workspace directories are still created, since the workspace tree
// is per-session state even in single-user mode.
type NoopUserManager struct {
	UsernamePrefix string
	Group          string
	GecosPrefix    string
}

var _ UserManager = (*NoopUserManager)(nil)

func (n *NoopUserManager) Ping(ctx context.Context) error { return nil }

func (n *NoopUserManager) CreateGroup(ctx context.Context, group string) error {
	return validate.Group(group, n.Group)
}

func (n *NoopUserManager) CreateUser(ctx context.Context, args CreateUserArgs) error {
	if err := validate.Username(args.Username, n.UsernamePrefix); err != nil {
		return err
	}
	if err := validate.UID(args.UID); err != nil {
		return err
	}
	if err := validate.Shell(args.Shell); err != nil {
		return err
	}
	return validate.Gecos(args.Gecos, n.GecosPrefix)
}

func (n *NoopUserManager) DeleteUser(ctx context.Context, username string) error {
	return validate.Username(username, n.UsernamePrefix)
}

func (n *NoopUserManager) Mkdir(ctx context.Context, path string) error {
	if err := validate.Path(path, []string{"/"}); err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return types.Wrap(types.ErrIOError, "mkdir failed", err)
	}
	return nil
}

func (n *NoopUserManager) Chown(ctx context.Context, owner, path string, recursive bool) error {
	return nil
}

func (n *NoopUserManager) Chmod(ctx context.Context, mode, path string) error {
	return validate.Mode(mode)
}

func (n *NoopUserManager) EnableLinger(ctx context.Context, username string) error { return nil }

func (n *NoopUserManager) StartUserService(ctx context.Context, uid int) error { return nil }

func (n *NoopUserManager) SetupUserRunner(ctx context.Context, username string, uid int) error {
	return nil
}

func (n *NoopUserManager) CreateWorkspace(ctx context.Context, args CreateWorkspaceArgs) error {
	if err := validate.Path(args.Path, []string{"/"}); err != nil {
		return err
	}
	if err := os.MkdirAll(args.Path, 0o755); err != nil {
		return types.Wrap(types.ErrIOError, "mkdir workspace failed", err)
	}
	for name, content := range args.Files {
		p := filepath.Join(args.Path, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return types.Wrap(types.ErrIOError, "mkdir file parent failed", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return types.Wrap(types.ErrIOError, "write overlay file failed", err)
		}
	}
	return nil
}

func (n *NoopUserManager) SetupUserShell(ctx context.Context, username string) error { return nil }

func (n *NoopUserManager) InstallPiExtensions(ctx context.Context, username string) error {
	return nil
}

// RunAsUser runs argv directly: in single-user mode the control plane
// already is the target user.
func (n *NoopUserManager) RunAsUser(ctx context.Context, username string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", types.NewError(types.ErrBadRequest, "argv must not be empty")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		return "", types.Wrap(types.ErrCommandFailed, "run-as-user failed", err)
	}
	return string(out), nil
}
