// Package runner implements the per-user daemon: it spawns and
// supervises that user's agent subprocesses behind a Unix socket at a
// deterministic path, and is the single writer for its user's process
// table.
package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/octoplane/octoplane/internal/event"
	"github.com/octoplane/octoplane/internal/ipc"
	"github.com/octoplane/octoplane/internal/sandbox"
	"github.com/octoplane/octoplane/pkg/types"

	"github.com/rs/zerolog"
)

// The closed per-user runner operation set.
const (
	OpSpawnProcess    = "spawn_process"
	OpSpawnRPCProcess = "spawn_rpc_process"
	OpGetStatus       = "get_status"
	OpKillProcess     = "kill_process"
	OpReadStdout      = "read_stdout"
	OpListProcesses   = "list_processes"
	OpShutdown        = "shutdown"
)

// ProcessState is a supervised child's lifecycle state.
type ProcessState string

const (
	StatePending ProcessState = "pending"
	StateRunning ProcessState = "running"
	StateExited  ProcessState = "exited"
	StateKilled  ProcessState = "killed"
	StateCrashed ProcessState = "crashed"
)

// SpawnArgs is the payload for spawn_process / spawn_rpc_process.
type SpawnArgs struct {
	ProcessID    string            `json:"process_id"`
	Binary       string            `json:"binary"`
	Argv         []string          `json:"argv"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env"`
	AttachStdio  bool              `json:"attach_stdio"`
}

// StatusResult is the payload returned by get_status.
type StatusResult struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// KillArgs is the payload for kill_process.
type KillArgs struct {
	ProcessID string `json:"process_id"`
	Force     bool   `json:"force"`
}

// ReadStdoutArgs is the payload for read_stdout.
type ReadStdoutArgs struct {
	ProcessID string `json:"process_id"`
	Offset    int64  `json:"offset"`
}

// ReadStdoutResult is the payload returned by read_stdout.
type ReadStdoutResult struct {
	Data    string `json:"data"`
	HasMore bool   `json:"has_more"`
}

// ProcessInfo is one entry of the list_processes snapshot.
type ProcessInfo struct {
	ProcessID string       `json:"process_id"`
	State     ProcessState `json:"state"`
	PID       int          `json:"pid,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

const maxStdoutBufferBytes = 1 << 20 // bounded best-effort stdout capture per child

// child tracks one supervised subprocess.
type child struct {
	mu sync.Mutex

	processID string
	cmd       *exec.Cmd
	state     ProcessState
	startedAt time.Time
	exitCode  *int
	signal    string

	stdout *ringBuffer

	waitDone chan struct{}
}

// Runner owns the per-user process table and serves the socket
// protocol. A Runner instance is scoped to exactly one Linux UID; it
// refuses to spawn anything that would run as a different UID.
type Runner struct {
	uid     int
	log     zerolog.Logger
	srv     *ipc.Server
	sandbox *sandbox.Config

	mu       sync.Mutex
	children map[string]*child
}

// New builds a Runner bound to uid (normally the daemon's own UID —
// os.Getuid()). No socket is bound until ListenAndServe.
func New(uid int, log zerolog.Logger) *Runner {
	r := &Runner{
		uid:      uid,
		log:      log,
		children: make(map[string]*child),
		srv:      ipc.NewServer(log),
		sandbox:  &sandbox.Config{},
	}
	r.registerHandlers()
	return r
}

// WithSandbox attaches the root-owned filesystem allowlist/rlimit policy
// loaded from sandbox.toml; every subsequent spawn enforces it. Optional —
// a Runner with no sandbox attached enforces nothing beyond the
// UID-matching invariant.
func (r *Runner) WithSandbox(cfg *sandbox.Config) *Runner {
	if cfg != nil {
		r.sandbox = cfg
	}
	return r
}

func (r *Runner) registerHandlers() {
	r.srv.Handle(OpSpawnProcess, r.handleSpawn)
	r.srv.Handle(OpSpawnRPCProcess, r.handleSpawn)
	r.srv.Handle(OpGetStatus, r.handleGetStatus)
	r.srv.Handle(OpKillProcess, r.handleKill)
	r.srv.Handle(OpReadStdout, r.handleReadStdout)
	r.srv.Handle(OpListProcesses, r.handleList)
	r.srv.Handle(OpShutdown, r.handleShutdown)
}

// ListenAndServe binds the socket at path (mode 0660, so connecting
// requires being the runner's UID or a member of the platform group)
// and serves until closed.
func (r *Runner) ListenAndServe(path string) error {
	return r.srv.ListenAndServe(path, 0o660)
}

// Close stops accepting connections but does not touch running children;
// callers that want a clean shutdown should invoke the shutdown op (or
// Shutdown) first.
func (r *Runner) Close() error { return r.srv.Close() }

// Shutdown terminates every owned child (SIGTERM then grace-period
// SIGKILL) and stops accepting connections.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.children))
	for id := range r.children {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.kill(id, false)
	}
	_ = r.Close()
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func (r *Runner) handleSpawn(params json.RawMessage) (any, error) {
	args, err := decodeParams[SpawnArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	if args.ProcessID == "" || args.Binary == "" {
		return nil, types.NewError(types.ErrBadRequest, "process_id and binary are required")
	}
	return nil, r.spawn(args)
}

func (r *Runner) spawn(args SpawnArgs) error {
	if args.Cwd != "" {
		if err := r.sandbox.CheckPath(args.Cwd); err != nil {
			return types.Wrap(types.ErrForbidden, "spawn rejected by sandbox allowlist", err)
		}
	}

	c := &child{
		processID: args.ProcessID,
		state:     StatePending,
		startedAt: time.Now(),
		stdout:    newRingBuffer(maxStdoutBufferBytes),
		waitDone:  make(chan struct{}),
	}

	// Reserve the id while holding the table lock so two racing spawns
	// can't both pass the liveness check. A dead entry is replaced.
	r.mu.Lock()
	if existing, ok := r.children[args.ProcessID]; ok {
		existing.mu.Lock()
		live := existing.state == StatePending || existing.state == StateRunning
		existing.mu.Unlock()
		if live {
			r.mu.Unlock()
			return types.NewError(types.ErrAlreadyExists, "process_id is already running")
		}
	}
	r.children[args.ProcessID] = c
	r.mu.Unlock()

	cmd := exec.Command(args.Binary, args.Argv...)
	cmd.Dir = args.Cwd
	cmd.Env = envSlice(args.Env)
	// The runner never spawns a child whose owning UID differs from its
	// own: no Credential override here, the child simply inherits the
	// runner process's real uid/gid.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if args.AttachStdio {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = c.stdout
		cmd.Stderr = c.stdout
	}

	if err := cmd.Start(); err != nil {
		r.mu.Lock()
		if r.children[args.ProcessID] == c {
			delete(r.children, args.ProcessID)
		}
		r.mu.Unlock()
		return types.Wrap(types.ErrCommandFailed, "spawn failed", err)
	}

	r.sandbox.ApplyRlimits(cmd.Process.Pid, func(resource string, err error) {
		r.log.Warn().Err(err).Str("process_id", args.ProcessID).Str("rlimit", resource).Msg("apply sandbox rlimit failed")
	})

	c.mu.Lock()
	c.cmd = cmd
	c.state = StateRunning
	c.mu.Unlock()

	event.Publish(event.Event{
		Type: event.ProcessStarted,
		Data: event.ProcessStartedData{ProcessID: args.ProcessID, PID: cmd.Process.Pid},
	})

	go r.wait(c)

	return nil
}

func (r *Runner) wait(c *child) {
	err := c.cmd.Wait()

	c.mu.Lock()
	crashed := false
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			c.exitCode = &code
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				c.signal = status.Signal().String()
				crashed = true
			}
		} else {
			crashed = true
		}
	} else {
		code := 0
		c.exitCode = &code
	}
	if c.state != StateKilled {
		if crashed {
			c.state = StateCrashed
		} else {
			c.state = StateExited
		}
	}
	state := c.state
	exitCode := 0
	if c.exitCode != nil {
		exitCode = *c.exitCode
	}
	signal := c.signal
	c.mu.Unlock()
	close(c.waitDone)

	event.Publish(event.Event{
		Type: event.ProcessExited,
		Data: event.ProcessExitedData{
			ProcessID: c.processID,
			ExitCode:  exitCode,
			Signal:    signal,
			Crashed:   state == StateCrashed,
		},
	})
}

func (r *Runner) handleGetStatus(params json.RawMessage) (any, error) {
	var args struct {
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}

	r.mu.Lock()
	c, ok := r.children[args.ProcessID]
	r.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "unknown process_id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	result := StatusResult{
		Running:   c.state == StatePending || c.state == StateRunning,
		StartedAt: c.startedAt,
	}
	if c.cmd != nil && c.cmd.Process != nil {
		result.PID = c.cmd.Process.Pid
	}
	if c.exitCode != nil {
		result.ExitCode = c.exitCode
	}
	return result, nil
}

func (r *Runner) handleKill(params json.RawMessage) (any, error) {
	args, err := decodeParams[KillArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}
	return nil, r.kill(args.ProcessID, args.Force)
}

func (r *Runner) kill(processID string, force bool) error {
	r.mu.Lock()
	c, ok := r.children[processID]
	r.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "unknown process_id")
	}

	c.mu.Lock()
	if c.state != StatePending && c.state != StateRunning {
		c.mu.Unlock()
		return nil // kill-after-exit is a no-op
	}
	pid := c.cmd.Process.Pid
	c.mu.Unlock()

	if force {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-c.waitDone:
		case <-time.After(5 * time.Second):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-c.waitDone
		}
	}

	c.mu.Lock()
	c.state = StateKilled
	c.mu.Unlock()
	return nil
}

func (r *Runner) handleReadStdout(params json.RawMessage) (any, error) {
	args, err := decodeParams[ReadStdoutArgs](params)
	if err != nil {
		return nil, types.Wrap(types.ErrBadRequest, "decode args", err)
	}

	r.mu.Lock()
	c, ok := r.children[args.ProcessID]
	r.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "unknown process_id")
	}

	data, hasMore := c.stdout.ReadFrom(args.Offset)
	return ReadStdoutResult{Data: string(data), HasMore: hasMore}, nil
}

func (r *Runner) handleList(params json.RawMessage) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(r.children))
	for id, c := range r.children {
		c.mu.Lock()
		info := ProcessInfo{ProcessID: id, State: c.state, StartedAt: c.startedAt}
		if c.cmd != nil && c.cmd.Process != nil {
			info.PID = c.cmd.Process.Pid
		}
		c.mu.Unlock()
		infos = append(infos, info)
	}
	return infos, nil
}

func (r *Runner) handleShutdown(params json.RawMessage) (any, error) {
	go r.Shutdown()
	return nil, nil
}

func envSlice(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
