// Package useragents implements the per-user mmry (memory) and sldr
// (slide) process manager: every session belonging to a user holds one
// reference on that user for as long as it is active. Account
// provisioning also installs a persistent systemd mmry unit, so before
// spawning its own instance the pool asks the user's mmry service for
// its status and reuses a running one — only when nothing is already
// listening does it spawn through the user's runner. Pinning keeps an
// mmry instance alive for non-session consumers (the main-chat memory
// proxy) that have no stop lifecycle of their own.
package useragents

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/internal/runner"
	"github.com/octoplane/octoplane/pkg/types"
)

// AccountStore is the subset of accounts.Service this pool needs to
// resolve a user's Linux identity and persist its lazily-allocated
// ports.
type AccountStore interface {
	GetUser(ctx context.Context, id string) (*types.User, error)
	UpdateUser(ctx context.Context, u *types.User) error
	ListUsers(ctx context.Context) ([]*types.User, error)
}

// Dialer opens a connection to the target Linux user's per-user
// runner socket, mirroring session.LocalRuntime's dial seam.
type Dialer func(linuxUsername string) (*runner.Client, error)

// StatusRunner executes a command as the target Linux user and returns
// its stdout — the user-manager's run-as-user operation. Used to ask an
// already-running mmry service for its port. Optional: without one the
// pool always spawns its own instances.
type StatusRunner interface {
	RunAsUser(ctx context.Context, username string, argv []string) (string, error)
}

// Config pins the mmry/sldr binaries and the port range their stable,
// per-user ports are drawn from.
type Config struct {
	MmryBinary string
	SldrBinary string
	MinPort    int
	MaxPort    int
}

// instance is the pool's record of one user's live mmry/sldr pair.
// sessions counts active sessions holding a reference; pinned marks an
// instance kept alive independent of sessions.
type instance struct {
	mmryPort int
	sldrPort int
	sessions int
	pinned   bool
}

// Pool is the AgentPool session.Service composes with, plus the Pin
// surface the mmry proxy route uses. The instance map's mutex stays
// narrow; per-user bring-up and teardown are serialized by an id-keyed
// lock so spawning never happens under the map lock, and two sessions
// racing to be a user's first cannot double-spawn.
type Pool struct {
	accounts AccountStore
	dial     Dialer
	status   StatusRunner
	cfg      Config
	log      zerolog.Logger

	mu        sync.Mutex
	instances map[string]*instance
	userLocks sync.Map // userID -> *sync.Mutex

	// readyProbe reports whether a spawned process accepts connections
	// on its port; swappable so tests can stand in binaries that never
	// listen.
	readyProbe func(ctx context.Context, port int) bool
}

func New(accounts AccountStore, dial Dialer, status StatusRunner, cfg Config, log zerolog.Logger) *Pool {
	return &Pool{
		accounts:   accounts,
		dial:       dial,
		status:     status,
		cfg:        cfg,
		log:        log.With().Str("component", "useragents").Logger(),
		instances:  make(map[string]*instance),
		readyProbe: waitForPortReady,
	}
}

func (p *Pool) lockUser(userID string) func() {
	v, _ := p.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func mmryProcessID(userID string) string { return "mmry-" + userID }
func sldrProcessID(userID string) string { return "sldr-" + userID }

// Ensure adds one session reference for userID, bringing the user's
// mmry and sldr processes up first if this is the user's first live
// reference.
func (p *Pool) Ensure(ctx context.Context, userID string) error {
	defer p.lockUser(userID)()

	inst := p.lookup(userID)
	if inst == nil {
		inst = &instance{}
	}
	if err := p.ensureMmry(ctx, userID, inst); err != nil {
		return err
	}
	if err := p.ensureSldr(ctx, userID, inst); err != nil {
		return err
	}
	inst.sessions++
	p.store(userID, inst)
	return nil
}

// Pin ensures the user's mmry instance is up and marks it pinned so
// Release never tears it down, returning the port it listens on.
// Idempotent per user. Only mmry is pinned; sldr has no non-session
// consumers.
func (p *Pool) Pin(ctx context.Context, userID string) (int, error) {
	defer p.lockUser(userID)()

	inst := p.lookup(userID)
	if inst == nil {
		inst = &instance{}
	}
	if err := p.ensureMmry(ctx, userID, inst); err != nil {
		return 0, err
	}
	inst.pinned = true
	p.store(userID, inst)
	return inst.mmryPort, nil
}

// Release drops one session reference for userID. The processes are
// torn down only when the last session reference goes and the instance
// is not pinned. Releasing past zero is a no-op.
func (p *Pool) Release(ctx context.Context, userID string) error {
	defer p.lockUser(userID)()

	p.mu.Lock()
	inst, ok := p.instances[userID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if inst.sessions > 0 {
		inst.sessions--
	}
	if inst.sessions > 0 || inst.pinned {
		p.mu.Unlock()
		return nil
	}
	delete(p.instances, userID)
	p.mu.Unlock()

	return p.teardown(ctx, userID)
}

func (p *Pool) lookup(userID string) *instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instances[userID]
}

func (p *Pool) store(userID string, inst *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[userID] = inst
}

// ensureMmry brings the user's mmry process up if the instance doesn't
// already track one: first by adopting a service that is already
// running (the systemd unit account provisioning installs, or a
// survivor of a control-plane restart), then by spawning through the
// user's runner.
func (p *Pool) ensureMmry(ctx context.Context, userID string, inst *instance) error {
	if inst.mmryPort != 0 {
		return nil
	}

	u, err := p.user(ctx, userID)
	if err != nil {
		return err
	}

	if port, ok := p.existingMmryPort(ctx, u.LinuxUsername); ok {
		p.log.Info().Str("user_id", userID).Int("port", port).Msg("adopting already-running mmry service")
		inst.mmryPort = port
		if u.MmryPort != port {
			u.MmryPort = port
			if err := p.accounts.UpdateUser(ctx, u); err != nil {
				return types.Wrap(types.ErrInternal, "persist adopted mmry port", err)
			}
		}
		return nil
	}

	if err := p.ensurePorts(ctx, u); err != nil {
		return err
	}

	c, err := p.dial(u.LinuxUsername)
	if err != nil {
		return types.Wrap(types.ErrInternal, "dial runner for agent pool", err)
	}
	defer c.Close()

	processID := mmryProcessID(userID)
	spawn := func() error {
		// Port override travels by env; mmry reads the rest of its
		// config from the target user's own config tree, which this
		// process may not be able to read or write.
		return c.SpawnRPCProcess(ctx, runner.SpawnArgs{
			ProcessID: processID,
			Binary:    p.cfg.MmryBinary,
			Argv:      []string{"service", "run"},
			Cwd:       "/",
			Env:       map[string]string{"MMRY__EXTERNAL_API__PORT": strconv.Itoa(u.MmryPort)},
		})
	}

	if err := p.spawnWithRecovery(ctx, c, processID, spawn); err != nil {
		return types.Wrap(types.ErrInternal, "spawn mmry", err)
	}
	if err := p.awaitReady(ctx, c, processID, u.MmryPort, spawn); err != nil {
		return err
	}

	inst.mmryPort = u.MmryPort
	p.log.Info().Str("user_id", userID).Int("port", u.MmryPort).Msg("mmry process ensured")
	return nil
}

// ensureSldr brings the user's sldr process up if the instance doesn't
// already track one. sldr has no long-lived system service to adopt;
// it is always runner-spawned.
func (p *Pool) ensureSldr(ctx context.Context, userID string, inst *instance) error {
	if inst.sldrPort != 0 {
		return nil
	}

	u, err := p.user(ctx, userID)
	if err != nil {
		return err
	}
	if err := p.ensurePorts(ctx, u); err != nil {
		return err
	}

	c, err := p.dial(u.LinuxUsername)
	if err != nil {
		return types.Wrap(types.ErrInternal, "dial runner for agent pool", err)
	}
	defer c.Close()

	processID := sldrProcessID(userID)
	spawn := func() error {
		return c.SpawnProcess(ctx, runner.SpawnArgs{
			ProcessID: processID,
			Binary:    p.cfg.SldrBinary,
			Argv:      []string{"--port", strconv.Itoa(u.SldrPort)},
			Cwd:       "/home/" + u.LinuxUsername,
			Env:       map[string]string{"HOME": "/home/" + u.LinuxUsername, "USER": u.LinuxUsername},
		})
	}

	if err := p.spawnWithRecovery(ctx, c, processID, spawn); err != nil {
		return types.Wrap(types.ErrInternal, "spawn sldr", err)
	}
	if err := p.awaitReady(ctx, c, processID, u.SldrPort, spawn); err != nil {
		return err
	}

	inst.sldrPort = u.SldrPort
	p.log.Info().Str("user_id", userID).Int("port", u.SldrPort).Msg("sldr process ensured")
	return nil
}

func (p *Pool) user(ctx context.Context, userID string) (*types.User, error) {
	u, err := p.accounts.GetUser(ctx, userID)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, "resolve user for agent pool", err)
	}
	if !u.HasLinuxIdentity() {
		return nil, types.NewError(types.ErrInternal, "user has no linux identity")
	}
	return u, nil
}

var mmryHTTPPortRe = regexp.MustCompile(`HTTP port:\s*(\d+)`)

// existingMmryPort asks the user's mmry service for its status, run as
// that user, and parses the HTTP port out of output like:
//
//	Service is running
//	  PID: 2429525
//	  HTTP port: 8081 (127.0.0.1:8081)
//
// Any failure — no status runner wired, command error, service not
// running, port missing from the output — means "nothing to adopt".
func (p *Pool) existingMmryPort(ctx context.Context, linuxUsername string) (int, bool) {
	if p.status == nil {
		return 0, false
	}
	out, err := p.status.RunAsUser(ctx, linuxUsername, []string{p.cfg.MmryBinary, "service", "status"})
	if err != nil {
		p.log.Debug().Err(err).Str("linux_username", linuxUsername).Msg("mmry status probe failed")
		return 0, false
	}
	if !strings.Contains(out, "Service is running") {
		return 0, false
	}
	m := mmryHTTPPortRe.FindStringSubmatch(out)
	if m == nil {
		p.log.Debug().Str("linux_username", linuxUsername).Msg("mmry service running but HTTP port not in status output")
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

// spawnWithRecovery runs spawn, and on failure consults the runner's
// own record for the process id: a live entry means another path
// already brought the process up (common after a control-plane restart)
// and is reused; a dead entry is cleared and respawned.
func (p *Pool) spawnWithRecovery(ctx context.Context, c *runner.Client, processID string, spawn func() error) error {
	err := spawn()
	if err == nil {
		return nil
	}

	st, serr := c.GetStatus(ctx, processID)
	if serr != nil {
		return fmt.Errorf("spawn failed and status check failed (%s): %w", serr, err)
	}
	if st.Running {
		p.log.Warn().Str("process_id", processID).Int("pid", st.PID).Msg("process already running in runner, reusing")
		return nil
	}
	if kerr := c.KillProcess(ctx, processID, true); kerr != nil && types.KindOf(kerr) != types.ErrNotFound {
		return fmt.Errorf("clear stale process: %w", kerr)
	}
	return spawn()
}

// awaitReady polls the process's TCP port until it accepts, retrying
// the spawn once on timeout (stale config or port collision), then
// fails with whatever stdout the process left behind.
func (p *Pool) awaitReady(ctx context.Context, c *runner.Client, processID string, port int, spawn func() error) error {
	if p.readyProbe(ctx, port) {
		return nil
	}

	_ = c.KillProcess(ctx, processID, true)
	if err := spawn(); err == nil && p.readyProbe(ctx, port) {
		return nil
	}

	logs := drainStdout(ctx, c, processID)
	return types.NewError(types.ErrTimeout,
		fmt.Sprintf("%s did not become ready on port %d: %s", processID, port, strings.TrimSpace(logs)))
}

func waitForPortReady(ctx context.Context, port int) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false
}

// drainStdout collects whatever captured output the runner holds for
// the process, best effort, for failure diagnostics.
func drainStdout(ctx context.Context, c *runner.Client, processID string) string {
	var out strings.Builder
	var offset int64
	for i := 0; i < 16; i++ {
		resp, err := c.ReadStdout(ctx, processID, offset)
		if err != nil {
			break
		}
		out.WriteString(resp.Data)
		offset += int64(len(resp.Data))
		if !resp.HasMore {
			break
		}
	}
	return out.String()
}

func (p *Pool) teardown(ctx context.Context, userID string) error {
	u, err := p.accounts.GetUser(ctx, userID)
	if err != nil {
		return types.Wrap(types.ErrInternal, "resolve user for agent pool teardown", err)
	}
	if !u.HasLinuxIdentity() {
		return nil
	}

	c, err := p.dial(u.LinuxUsername)
	if err != nil {
		return types.Wrap(types.ErrInternal, "dial runner for agent pool teardown", err)
	}
	defer c.Close()

	var firstErr error
	for _, processID := range []string{mmryProcessID(userID), sldrProcessID(userID)} {
		if err := c.KillProcess(ctx, processID, false); err != nil && types.KindOf(err) != types.ErrNotFound {
			p.log.Warn().Err(err).Str("process_id", processID).Msg("kill agent process failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ensurePorts allocates and persists the user's stable mmry/sldr port
// pair if either is still unassigned, scanning every user's assigned
// ports for the next free adjacent pair — the same incrementing-
// watermark scan provision.Provisioner uses for Linux uids.
func (p *Pool) ensurePorts(ctx context.Context, u *types.User) error {
	if u.MmryPort != 0 && u.SldrPort != 0 {
		return nil
	}
	users, err := p.accounts.ListUsers(ctx)
	if err != nil {
		return types.Wrap(types.ErrInternal, "list users for mmry/sldr port allocation", err)
	}
	used := make(map[int]bool, len(users)*2)
	for _, other := range users {
		if other.MmryPort != 0 {
			used[other.MmryPort] = true
		}
		if other.SldrPort != 0 {
			used[other.SldrPort] = true
		}
	}
	for base := p.cfg.MinPort; base+1 < p.cfg.MaxPort; base += 2 {
		if !used[base] && !used[base+1] {
			if u.MmryPort == 0 {
				u.MmryPort = base
			}
			if u.SldrPort == 0 {
				u.SldrPort = base + 1
			}
			if err := p.accounts.UpdateUser(ctx, u); err != nil {
				return types.Wrap(types.ErrInternal, "persist mmry/sldr ports", err)
			}
			return nil
		}
	}
	return types.NewError(types.ErrInternal, "mmry/sldr port range exhausted")
}
