package session

import (
	"context"
	"fmt"

	"github.com/octoplane/octoplane/internal/runner"
	"github.com/octoplane/octoplane/pkg/types"
)

// ProcessSpec is one agent process the runtime must bring up for a
// session: opencode, fileserver, ttyd, and zero or more per-agent
// entries under the session's agent port range.
type ProcessSpec struct {
	ProcessID   string
	Binary      string
	Argv        []string
	Cwd         string
	Env         map[string]string
	AttachStdio bool
}

// Runtime is the xor of container-backed and local-process-backed
// session execution the control plane can be composed with: one
// interface, swappable concrete implementations, selected once at
// startup and held for the process lifetime.
type Runtime interface {
	// Start brings up every process in specs for s and returns once
	// spawn has been requested (not once healthy — the caller's startup
	// health gate owns readiness).
	Start(ctx context.Context, s *types.Session, specs []ProcessSpec) error
	// Stop tears down every process belonging to s. Best-effort: a
	// process already gone is not an error.
	Stop(ctx context.Context, s *types.Session) error
	// Status reports whether s's primary process is alive, used by the
	// reconciliation loop.
	Status(ctx context.Context, s *types.Session) (ProcessStatus, error)
}

// ProcessStatus is the reconciliation loop's view of a session's
// underlying process, independent of which Runtime produced it.
type ProcessStatus int

const (
	StatusHealthy ProcessStatus = iota
	StatusRestarting
	StatusExited
	StatusNotFound
)

// LocalRuntime executes a session's processes as children of the
// user's own per-user runner daemon, dialed fresh per call over its
// Unix socket. The resolver maps a session's platform user id to the
// Linux username whose runner socket to dial.
type LocalRuntime struct {
	dial  func(linuxUsername string) (*runner.Client, error)
	users UserResolver
}

// NewLocalRuntime takes the dial function rather than a fixed socket
// path because each session belongs to a different per-user runner.
func NewLocalRuntime(dial func(linuxUsername string) (*runner.Client, error), users UserResolver) *LocalRuntime {
	return &LocalRuntime{dial: dial, users: users}
}

func (l *LocalRuntime) client(ctx context.Context, userID string) (*runner.Client, error) {
	u, err := l.users.ResolveUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("runtime: resolve user %s: %w", userID, err)
	}
	c, err := l.dial(u.LinuxUsername)
	if err != nil {
		return nil, fmt.Errorf("runtime: dial runner for %s: %w", u.LinuxUsername, err)
	}
	return c, nil
}

func (l *LocalRuntime) Start(ctx context.Context, s *types.Session, specs []ProcessSpec) error {
	c, err := l.client(ctx, s.UserID)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, spec := range specs {
		err := c.SpawnProcess(ctx, runner.SpawnArgs{
			ProcessID:   spec.ProcessID,
			Binary:      spec.Binary,
			Argv:        spec.Argv,
			Cwd:         spec.Cwd,
			Env:         spec.Env,
			AttachStdio: spec.AttachStdio,
		})
		if err != nil && types.KindOf(err) != types.ErrAlreadyExists {
			return fmt.Errorf("runtime: spawn %s: %w", spec.ProcessID, err)
		}
	}
	return nil
}

func (l *LocalRuntime) Stop(ctx context.Context, s *types.Session) error {
	c, err := l.client(ctx, s.UserID)
	if err != nil {
		return err
	}
	defer c.Close()

	procs, err := c.ListProcesses(ctx)
	if err != nil {
		return fmt.Errorf("runtime: list processes: %w", err)
	}
	for _, p := range procs {
		if !belongsToSession(p.ProcessID, s.ID) {
			continue
		}
		if err := c.KillProcess(ctx, p.ProcessID, false); err != nil {
			return fmt.Errorf("runtime: kill %s: %w", p.ProcessID, err)
		}
	}
	return nil
}

func (l *LocalRuntime) Status(ctx context.Context, s *types.Session) (ProcessStatus, error) {
	c, err := l.client(ctx, s.UserID)
	if err != nil {
		return StatusNotFound, err
	}
	defer c.Close()

	st, err := c.GetStatus(ctx, primaryProcessID(s.ID))
	if err != nil {
		if types.KindOf(err) == types.ErrNotFound {
			return StatusNotFound, nil
		}
		return StatusNotFound, err
	}
	if st.Running {
		return StatusHealthy, nil
	}
	return StatusExited, nil
}

// primaryProcessID is the opencode server process for a session; the
// one the reconciliation loop treats as representative of the group.
func primaryProcessID(sessionID string) string { return sessionID + "-opencode" }

func belongsToSession(processID, sessionID string) bool {
	return len(processID) > len(sessionID) && processID[:len(sessionID)] == sessionID
}

// ContainerRuntime executes a session's processes as a single
// container keyed by image. The container engine's API is outside
// this platform's scope; this type models the seam a real Docker or
// Podman client would fill and fails loudly until one is wired in, so
// a misconfigured single_user=false-with-no-engine deployment cannot
// silently behave like LocalRuntime.
type ContainerRuntime struct {
	Engine ContainerEngine
}

// ContainerEngine is the minimal surface a container backend must
// provide; satisfied by e.g. a Docker SDK client adapter.
type ContainerEngine interface {
	Run(ctx context.Context, containerName, image string, env map[string]string, ports []int) (containerID string, err error)
	Kill(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (running bool, err error)
}

func NewContainerRuntime(engine ContainerEngine) *ContainerRuntime {
	return &ContainerRuntime{Engine: engine}
}

func (c *ContainerRuntime) Start(ctx context.Context, s *types.Session, specs []ProcessSpec) error {
	env := map[string]string{}
	for _, spec := range specs {
		for k, v := range spec.Env {
			env[k] = v
		}
	}
	id, err := c.Engine.Run(ctx, s.ID, s.Image, env, s.Ports())
	if err != nil {
		return fmt.Errorf("runtime: run container: %w", err)
	}
	s.ContainerID = id
	return nil
}

func (c *ContainerRuntime) Stop(ctx context.Context, s *types.Session) error {
	if s.ContainerID == "" {
		return nil
	}
	if err := c.Engine.Kill(ctx, s.ContainerID); err != nil {
		return fmt.Errorf("runtime: kill container: %w", err)
	}
	return nil
}

func (c *ContainerRuntime) Status(ctx context.Context, s *types.Session) (ProcessStatus, error) {
	if s.ContainerID == "" {
		return StatusNotFound, nil
	}
	running, err := c.Engine.Inspect(ctx, s.ContainerID)
	if err != nil {
		return StatusNotFound, fmt.Errorf("runtime: inspect container: %w", err)
	}
	if running {
		return StatusHealthy, nil
	}
	return StatusExited, nil
}
