package usermgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/octoplane/octoplane/internal/ipc"
	"github.com/octoplane/octoplane/internal/systemdunit"
	"github.com/octoplane/octoplane/internal/validate"
	"github.com/octoplane/octoplane/pkg/types"

	"github.com/rs/zerolog"
)

// The closed operation set this daemon will perform as root.
const (
	OpPing                = "ping"
	OpCreateGroup         = "create-group"
	OpCreateUser          = "create-user"
	OpDeleteUser          = "delete-user"
	OpMkdir               = "mkdir"
	OpChown               = "chown"
	OpChmod               = "chmod"
	OpEnableLinger        = "enable-linger"
	OpStartUserService    = "start-user-service"
	OpSetupUserRunner     = "setup-user-runner"
	OpCreateWorkspace     = "create-workspace"
	OpSetupUserShell      = "setup-user-shell"
	OpInstallPiExtensions = "install-pi-extensions"
	OpWriteFile           = "write-file"
	OpRestartService      = "restart-service"
	OpRunAsUser           = "run-as-user"
	OpFixSocketDir        = "fix-socket-dir"
)

// Config pins the daemon's fixed platform constants. Service binary
// paths and path prefixes are set once at startup and never taken from
// a client request.
type Config struct {
	SocketPath     string
	SocketOwnerUID int // the control-plane service user; socket chmod'd 0600 to this owner only
	UsernamePrefix string
	Group          string
	GecosPrefix    string
	RunnerBinPath  string
	HstryBinPath   string
	MmryBinPath    string

	// AllowedPathPrefixes is the allowlist every mkdir/chown/chmod/
	// write-file/create-workspace call is checked against.
	AllowedPathPrefixes []string

	CleanupOnPartialFailure bool
	ReadinessTimeout        time.Duration
}

// Daemon is the root-owned process: a Unix-socket line-JSON server
// dispatching the closed operation set, with every operation validated
// before any syscall.
type Daemon struct {
	cfg Config
	log zerolog.Logger
	srv *ipc.Server
}

// New builds a Daemon and registers every handler. No socket is bound
// until ListenAndServe is called.
func New(cfg Config, log zerolog.Logger) *Daemon {
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 15 * time.Second
	}
	d := &Daemon{cfg: cfg, log: log, srv: ipc.NewServer(log)}
	d.registerHandlers()
	return d
}

// ListenAndServe binds the socket at cfg.SocketPath (parent dir 0700,
// owned by root; socket itself mode 0600 owned by the control-plane
// service account) and serves until the listener closes.
func (d *Daemon) ListenAndServe() error {
	dir := filepath.Dir(d.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("usermgr: mkdir socket dir: %w", err)
	}
	if err := d.srv.ListenAndServe(d.cfg.SocketPath, 0o600); err != nil {
		return err
	}
	if d.cfg.SocketOwnerUID > 0 {
		_ = os.Chown(d.cfg.SocketPath, d.cfg.SocketOwnerUID, -1)
	}
	return nil
}

// Close stops accepting new connections.
func (d *Daemon) Close() error { return d.srv.Close() }

func (d *Daemon) registerHandlers() {
	d.srv.Handle(OpPing, d.handlePing)
	d.srv.Handle(OpCreateGroup, d.handleCreateGroup)
	d.srv.Handle(OpCreateUser, d.handleCreateUser)
	d.srv.Handle(OpDeleteUser, d.handleDeleteUser)
	d.srv.Handle(OpMkdir, d.handleMkdir)
	d.srv.Handle(OpChown, d.handleChown)
	d.srv.Handle(OpChmod, d.handleChmod)
	d.srv.Handle(OpEnableLinger, d.handleEnableLinger)
	d.srv.Handle(OpStartUserService, d.handleStartUserService)
	d.srv.Handle(OpSetupUserRunner, d.handleSetupUserRunner)
	d.srv.Handle(OpCreateWorkspace, d.handleCreateWorkspace)
	d.srv.Handle(OpSetupUserShell, d.handleSetupUserShell)
	d.srv.Handle(OpInstallPiExtensions, d.handleInstallPiExtensions)
	d.srv.Handle(OpWriteFile, d.handleWriteFile)
	d.srv.Handle(OpRestartService, d.handleRestartService)
	d.srv.Handle(OpRunAsUser, d.handleRunAsUser)
	d.srv.Handle(OpFixSocketDir, d.handleFixSocketDir)
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	err := json.Unmarshal(params, &v)
	return v, err
}

func (d *Daemon) handlePing(params json.RawMessage) (any, error) {
	return nil, nil
}

func (d *Daemon) homeDir(username string) string {
	return filepath.Join("/home", username)
}

func (d *Daemon) validateUsername(username string) error {
	return validate.Username(username, d.cfg.UsernamePrefix)
}

func (d *Daemon) validatePath(path string) error {
	return validate.Path(path, d.cfg.AllowedPathPrefixes)
}

func (d *Daemon) handleCreateGroup(params json.RawMessage) (any, error) {
	args, err := decode[CreateGroupArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := validate.Group(args.Group, d.cfg.Group); err != nil {
		return nil, err
	}
	return nil, d.createGroup(args.Group)
}

func (d *Daemon) createGroup(group string) error {
	if _, err := user.LookupGroup(group); err == nil {
		return nil // idempotent
	}
	out, err := exec.Command("groupadd", group).CombinedOutput()
	if err != nil {
		return types.Wrap(types.ErrCommandFailed, "groupadd failed", fmt.Errorf("%s: %s", err, out))
	}
	return nil
}

func (d *Daemon) handleCreateUser(params json.RawMessage) (any, error) {
	args, err := decode[CreateUserArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	if err := validate.UID(args.UID); err != nil {
		return nil, err
	}
	if err := validate.Group(args.Group, d.cfg.Group); err != nil {
		return nil, err
	}
	if err := validate.Shell(args.Shell); err != nil {
		return nil, err
	}
	if err := validate.Gecos(args.Gecos, d.cfg.GecosPrefix); err != nil {
		return nil, err
	}

	if _, err := user.Lookup(args.Username); err == nil {
		return nil, types.NewError(types.ErrAlreadyExists, "user already exists")
	}

	useradd := []string{
		"-u", strconv.Itoa(args.UID),
		"-g", args.Group,
		"-s", args.Shell,
		"-c", args.Gecos,
	}
	if args.CreateHome {
		useradd = append(useradd, "-m")
	} else {
		useradd = append(useradd, "-M")
	}
	useradd = append(useradd, args.Username)

	out, err := exec.Command("useradd", useradd...).CombinedOutput()
	if err != nil {
		return nil, types.Wrap(types.ErrCommandFailed, "useradd failed", fmt.Errorf("%s: %s", err, out))
	}

	workspaceDir := filepath.Join(d.homeDir(args.Username), "octoplane")
	if err := os.MkdirAll(workspaceDir, 0o770); err != nil {
		return nil, types.Wrap(types.ErrIOError, "mkdir workspace", err)
	}
	if err := chownPath(workspaceDir, args.Username, args.Group, false); err != nil {
		return nil, err
	}
	// MkdirAll masks the setgid bit; set the 2770 mode explicitly.
	if err := os.Chmod(workspaceDir, 0o770|os.ModeSetgid); err != nil {
		return nil, types.Wrap(types.ErrIOError, "chmod workspace", err)
	}

	return nil, nil
}

func (d *Daemon) handleDeleteUser(params json.RawMessage) (any, error) {
	args, err := decode[DeleteUserArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	if _, err := user.Lookup(args.Username); err != nil {
		return nil, types.NewError(types.ErrNotFound, "user not found")
	}
	out, err := exec.Command("userdel", "-r", args.Username).CombinedOutput()
	if err != nil {
		return nil, types.Wrap(types.ErrCommandFailed, "userdel failed", fmt.Errorf("%s: %s", err, out))
	}
	return nil, nil
}

func (d *Daemon) handleMkdir(params json.RawMessage) (any, error) {
	args, err := decode[MkdirArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validatePath(args.Path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(args.Path, 0o755); err != nil {
		return nil, types.Wrap(types.ErrIOError, "mkdir failed", err)
	}
	return nil, nil
}

func (d *Daemon) handleChown(params json.RawMessage) (any, error) {
	args, err := decode[ChownArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := validate.Owner(args.Owner, d.cfg.UsernamePrefix, d.cfg.Group); err != nil {
		return nil, err
	}
	if err := d.validatePath(args.Path); err != nil {
		return nil, err
	}
	parts := splitOwner(args.Owner)
	if err := chownPath(args.Path, parts[0], parts[1], args.Recursive); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleChmod(params json.RawMessage) (any, error) {
	args, err := decode[ChmodArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := validate.Mode(args.Mode); err != nil {
		return nil, err
	}
	if err := d.validatePath(args.Path); err != nil {
		return nil, err
	}
	mode, _ := strconv.ParseUint(args.Mode, 8, 32)
	if err := os.Chmod(args.Path, fileModeFromOctal(mode)); err != nil {
		return nil, types.Wrap(types.ErrIOError, "chmod failed", err)
	}
	return nil, nil
}

func (d *Daemon) handleEnableLinger(params json.RawMessage) (any, error) {
	args, err := decode[EnableLingerArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := systemdunit.EnableLinger(ctx, args.Username); err != nil {
		return nil, types.Wrap(types.ErrCommandFailed, "enable-linger failed", err)
	}
	return nil, nil
}

func (d *Daemon) handleStartUserService(params json.RawMessage) (any, error) {
	args, err := decode[StartUserServiceArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := validate.UID(args.UID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr, err := systemdunit.Connect(ctx)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, "dbus connect failed", err)
	}
	defer mgr.Close()
	if err := systemdunit.StartUserService(ctx, mgr, args.UID, 10*time.Second); err != nil {
		return nil, types.Wrap(types.ErrCommandFailed, "start user@.service failed", err)
	}
	return nil, nil
}

func (d *Daemon) handleSetupUserRunner(params json.RawMessage) (any, error) {
	args, err := decode[SetupUserRunnerArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	if err := validate.UID(args.UID); err != nil {
		return nil, err
	}

	if err := d.setupUserRunner(args.Username, args.UID); err != nil {
		if d.cfg.CleanupOnPartialFailure {
			// Best-effort rollback: a freshly created user that never got
			// a working runner is worse than no account at all.
			_, _ = d.handleDeleteUser(mustMarshal(DeleteUserArgs{Username: args.Username}))
		}
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) setupUserRunner(username string, uid int) error {
	home := d.homeDir(username)

	specs := []systemdunit.UnitSpec{
		{
			Name:        systemdunit.ServiceRunner,
			Description: "octoplane per-user runner",
			ExecStart:   d.cfg.RunnerBinPath,
			Restart:     "on-failure",
			Environment: map[string]string{"HOME": home, "USER": username},
		},
		{
			Name:        systemdunit.ServiceHistory,
			Description: "octoplane chat-history service",
			ExecStart:   d.cfg.HstryBinPath,
			Restart:     "on-failure",
			Environment: map[string]string{"HOME": home, "USER": username},
		},
		{
			Name:        systemdunit.ServiceMemory,
			Description: "octoplane memory service",
			ExecStart:   d.cfg.MmryBinPath,
			Restart:     "on-failure",
			Environment: map[string]string{"HOME": home, "USER": username},
		},
	}

	var paths []string
	for _, spec := range specs {
		p, err := systemdunit.WriteUnit(home, spec)
		if err != nil {
			return types.Wrap(types.ErrIOError, "write unit failed", err)
		}
		paths = append(paths, p)
	}
	if err := chownPath(systemdunit.UserUnitDir(home), username, d.cfg.Group, true); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mgr, err := systemdunit.Connect(ctx)
	if err != nil {
		return types.Wrap(types.ErrInternal, "dbus connect failed", err)
	}
	defer mgr.Close()

	if err := mgr.DaemonReload(ctx); err != nil {
		return types.Wrap(types.ErrCommandFailed, "daemon-reload failed", err)
	}

	for _, spec := range specs {
		unitName := fmt.Sprintf("%s.service", spec.Name)
		if err := d.startWithOneRetry(ctx, mgr, unitName); err != nil {
			return types.Wrap(types.ErrCommandFailed, "start unit failed", fmt.Errorf("%s: %w", unitName, err))
		}
	}

	return d.waitForRunnerSocket(username)
}

// startWithOneRetry starts the unit, retrying a stale or crashed
// service exactly once before giving up.
func (d *Daemon) startWithOneRetry(ctx context.Context, mgr *systemdunit.Manager, unitName string) error {
	if err := mgr.StartUnit(ctx, unitName, 10*time.Second); err != nil {
		d.log.Warn().Str("unit", unitName).Err(err).Msg("usermgr: first start failed, retrying once")
		return mgr.StartUnit(ctx, unitName, 10*time.Second)
	}
	return nil
}

func (d *Daemon) waitForRunnerSocket(username string) error {
	sockPath := filepath.Join("/run/octoplane/runner-sockets", username, "runner.sock")
	deadline := time.Now().Add(d.cfg.ReadinessTimeout)
	for time.Now().Before(deadline) {
		if fi, err := os.Stat(sockPath); err == nil && fi.Mode()&os.ModeSocket != 0 {
			if err := os.Chmod(sockPath, 0o660); err != nil {
				return types.Wrap(types.ErrIOError, "chmod runner socket failed", err)
			}
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return types.NewError(types.ErrTimeout, "runner socket did not appear in time")
}

func (d *Daemon) handleCreateWorkspace(params json.RawMessage) (any, error) {
	args, err := decode[CreateWorkspaceArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	if err := d.validatePath(args.Path); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(args.Path, 0o755); err != nil {
		return nil, types.Wrap(types.ErrIOError, "mkdir workspace failed", err)
	}
	if args.TemplateSrc != "" {
		if err := copyTree(args.TemplateSrc, args.Path); err != nil {
			return nil, types.Wrap(types.ErrIOError, "copy template failed", err)
		}
	}
	for name, content := range args.Files {
		p := filepath.Join(args.Path, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, types.Wrap(types.ErrIOError, "mkdir file parent failed", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return nil, types.Wrap(types.ErrIOError, "write overlay file failed", err)
		}
	}
	if err := chownPath(args.Path, args.Username, d.cfg.Group, true); err != nil {
		return nil, err
	}
	if err := os.Chmod(args.Path, 0o770|os.ModeSetgid); err != nil {
		return nil, types.Wrap(types.ErrIOError, "chmod workspace failed", err)
	}
	return nil, nil
}

func (d *Daemon) handleSetupUserShell(params json.RawMessage) (any, error) {
	args, err := decode[SetupUserShellArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	home := d.homeDir(args.Username)
	dotfiles := map[string]string{
		".bashrc":  "export PS1='[octoplane] \\w $ '\nexport PATH=\"$HOME/.local/bin:$PATH\"\n",
		".profile": "export PATH=\"$HOME/.local/bin:$PATH\"\n",
	}
	for name, content := range dotfiles {
		p := filepath.Join(home, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return nil, types.Wrap(types.ErrIOError, "write dotfile failed", err)
		}
	}
	if err := chownPath(home, args.Username, d.cfg.Group, false); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleInstallPiExtensions(params json.RawMessage) (any, error) {
	args, err := decode[InstallPiExtensionsArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	src := "/usr/share/octoplane/pi-extensions"
	dst := filepath.Join(d.homeDir(args.Username), ".config", "pi", "extensions")
	if _, err := os.Stat(src); err != nil {
		return nil, nil // no system-wide extension set installed; not an error
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, types.Wrap(types.ErrIOError, "mkdir extensions parent failed", err)
	}
	if err := copyTree(src, dst); err != nil {
		return nil, types.Wrap(types.ErrIOError, "copy extensions failed", err)
	}
	if err := chownPath(dst, args.Username, d.cfg.Group, true); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) handleWriteFile(params json.RawMessage) (any, error) {
	args, err := decode[WriteFileArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validatePath(args.Path); err != nil {
		return nil, err
	}
	mode := os.FileMode(0o644)
	if args.Mode != "" {
		if err := validate.Mode(args.Mode); err != nil {
			return nil, err
		}
		m, _ := strconv.ParseUint(args.Mode, 8, 32)
		mode = fileModeFromOctal(m)
	}
	if err := os.MkdirAll(filepath.Dir(args.Path), 0o755); err != nil {
		return nil, types.Wrap(types.ErrIOError, "mkdir parent failed", err)
	}
	if err := os.WriteFile(args.Path, []byte(args.Content), mode); err != nil {
		return nil, types.Wrap(types.ErrIOError, "write file failed", err)
	}
	return nil, nil
}

func (d *Daemon) handleRestartService(params json.RawMessage) (any, error) {
	args, err := decode[RestartServiceArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	if !isKnownService(args.Service) {
		return nil, types.NewError(types.ErrValidationFailed, "service not in the fixed allowlist")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr, err := systemdunit.Connect(ctx)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, "dbus connect failed", err)
	}
	defer mgr.Close()
	if err := mgr.StartUnit(ctx, args.Service+".service", 10*time.Second); err != nil {
		return nil, types.Wrap(types.ErrCommandFailed, "restart failed", err)
	}
	return nil, nil
}

func (d *Daemon) handleRunAsUser(params json.RawMessage) (any, error) {
	args, err := decode[RunAsUserArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	if len(args.Argv) == 0 {
		return nil, types.NewError(types.ErrBadRequest, "argv must not be empty")
	}
	u, err := user.Lookup(args.Username)
	if err != nil {
		return nil, types.NewError(types.ErrNotFound, "user not found")
	}
	full := append([]string{"-u", u.Username, "--"}, args.Argv...)
	cmd := exec.Command("runuser", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, types.Wrap(types.ErrCommandFailed, "run-as-user failed", fmt.Errorf("%s: %s", err, stderr.Bytes()))
	}
	return RunAsUserResult{Stdout: stdout.String()}, nil
}

func (d *Daemon) handleFixSocketDir(params json.RawMessage) (any, error) {
	args, err := decode[FixSocketDirArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if err := d.validateUsername(args.Username); err != nil {
		return nil, err
	}
	dir := filepath.Join("/run/octoplane/runner-sockets", args.Username)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, types.Wrap(types.ErrIOError, "mkdir socket dir failed", err)
	}
	if err := chownPath(dir, args.Username, d.cfg.Group, false); err != nil {
		return nil, err
	}
	return nil, nil
}

func isKnownService(service string) bool {
	for _, s := range systemdunit.AllServices {
		if string(s) == service {
			return true
		}
	}
	return false
}

func splitOwner(owner string) [2]string {
	for i := 0; i < len(owner); i++ {
		if owner[i] == ':' {
			return [2]string{owner[:i], owner[i+1:]}
		}
	}
	return [2]string{owner, owner}
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
