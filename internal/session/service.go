package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/internal/event"
	"github.com/octoplane/octoplane/internal/validate"
	"github.com/octoplane/octoplane/pkg/types"
)

// KeyIssuer is the optional billing/virtual-key collaborator. A
// deployment without billing integration leaves this nil.
type KeyIssuer interface {
	IssueKey(ctx context.Context, userID, sessionID string) (keyID, keyHash, plaintext string, err error)
	RevokeKey(ctx context.Context, keyID string) error
}

// WorkspaceUser resolves a platform user id to the Linux username its
// runner and agent processes run as, and the binaries the session
// should launch.
type WorkspaceUser struct {
	LinuxUsername string
	HomeDir       string
}

// UserResolver looks up the Linux identity behind a platform user id.
type UserResolver interface {
	ResolveUser(ctx context.Context, userID string) (WorkspaceUser, error)
}

// StaticUserResolver maps every platform user to one fixed OS identity,
// the single_user deployment profile: no per-user isolation, every
// session's processes run as the control plane's own user.
type StaticUserResolver struct {
	User WorkspaceUser
}

func (r StaticUserResolver) ResolveUser(ctx context.Context, userID string) (WorkspaceUser, error) {
	return r.User, nil
}

// AgentPool is the optional per-user mmry/sldr process manager: a
// session holds one reference on its user for as long as it is active,
// and the pool lazily spawns the shared memory/slide processes the
// first time any of that user's sessions needs them, tearing them down
// once the last one releases. A deployment that runs without mmry/sldr
// integration leaves this nil.
type AgentPool interface {
	Ensure(ctx context.Context, userID string) error
	Release(ctx context.Context, userID string) error
}

// BinaryPaths are the hardcoded absolute paths to the agent process
// binaries a session spawns, configured once at startup — never
// client-supplied, mirroring the user-manager's server-side unit
// generation.
type BinaryPaths struct {
	Opencode   string
	Fileserver string
	TTYD       string
	Pi         string
}

// Service is the heart of the control plane: the session repository
// composed with a Runtime (container xor local), an optional KeyIssuer,
// and an optional UserResolver, each held behind a narrow interface.
type Service struct {
	repo    *Repository
	runtime Runtime
	users   UserResolver
	keys    KeyIssuer
	agents  AgentPool
	bins    BinaryPaths
	cfg     config.SessionConfig
	log     zerolog.Logger

	mu          sync.Mutex
	restartsLog map[string][]time.Time // sessionID -> recent restart attempts, bounds reconciliation restarts per window

	idLocks sync.Map // sessionID -> *sync.Mutex, serializes lifecycle transitions per session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Service. cfg.BasePort/MaxConcurrentSessions/etc. govern
// allocation, eviction, and the idle/reconciliation loops.
func New(repo *Repository, runtime Runtime, users UserResolver, keys KeyIssuer, bins BinaryPaths, cfg config.SessionConfig, log zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		runtime:     runtime,
		users:       users,
		keys:        keys,
		bins:        bins,
		cfg:         cfg,
		log:         log.With().Str("component", "session.service").Logger(),
		restartsLog: make(map[string][]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// WithAgentPool attaches the optional per-user mmry/sldr manager.
// Called once during wiring, before the service serves any requests.
func (s *Service) WithAgentPool(pool AgentPool) *Service {
	s.agents = pool
	return s
}

// CreateSessionRequest is the caller-supplied subset of a new session.
type CreateSessionRequest struct {
	UserID        string
	WorkspacePath string
	Image         string
	MaxAgents     int
	AllowedPathPrefixes []string
}

// CreateSession validates the workspace path, allocates a contiguous
// port run, optionally issues a billing key, writes the pending row,
// then asynchronously spawns the workspace processes.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*types.Session, error) {
	if verr := validate.Path(req.WorkspacePath, req.AllowedPathPrefixes); verr != nil {
		return nil, verr
	}

	if err := s.enforceConcurrencyCap(ctx, req.UserID); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &types.Session{
		ID:              newID(),
		ReadableID:      newReadableID(),
		UserID:          req.UserID,
		WorkspacePath:   req.WorkspacePath,
		Image:           req.Image,
		Status:          types.SessionPending,
		MaxAgents:       req.MaxAgents,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	stride := sess.PortStride(s.cfg.DefaultMaxAgents)

	if s.keys != nil {
		keyID, keyHash, plaintext, err := s.keys.IssueKey(ctx, req.UserID, sess.ID)
		if err != nil {
			return nil, types.Wrap(types.ErrUpstreamError, "issue billing key", err)
		}
		sess.EAVSKeyID = keyID
		sess.EAVSKeyHash = keyHash
		sess.SetVirtualKey(plaintext)
	}

	if err := s.repo.CreateWithAllocatedPorts(ctx, sess, stride, s.cfg.BasePort); err != nil {
		return nil, types.Wrap(types.ErrInternal, "allocate session", err)
	}
	event.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{Info: sess}})

	if s.agents != nil {
		if err := s.agents.Ensure(ctx, req.UserID); err != nil {
			s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("ensure mmry/sldr processes failed")
		}
	}

	go s.spawnAndGate(context.Background(), sess)

	return sess, nil
}

// GetOrCreateSessionForWorkspace reuses a running session for
// (userID, workspacePath); otherwise enforces the LRU cap and creates
// one.
func (s *Service) GetOrCreateSessionForWorkspace(ctx context.Context, req CreateSessionRequest) (*types.Session, error) {
	existing, err := s.repo.GetActiveByWorkspace(ctx, req.UserID, req.WorkspacePath)
	if err == nil {
		return existing, nil
	}
	if err != ErrNotFound {
		return nil, types.Wrap(types.ErrInternal, "lookup workspace session", err)
	}
	return s.CreateSession(ctx, req)
}

// ResumeSession re-spawns a stopped session's processes, reusing its
// previous ports if still free, else reallocating, and health-gates
// the transition back to Running.
func (s *Service) ResumeSession(ctx context.Context, id string) (*types.Session, error) {
	defer s.lockSession(id)()

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != types.SessionStopped && sess.Status != types.SessionFailed {
		return nil, types.NewError(types.ErrConflict, "session is not stopped")
	}

	stride := sess.PortStride(s.cfg.DefaultMaxAgents)
	free, err := s.repo.PortsFree(ctx, sess, stride)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, "check port availability", err)
	}
	if !free {
		if err := s.repo.ReallocatePorts(ctx, sess, stride, s.cfg.BasePort); err != nil {
			return nil, types.Wrap(types.ErrInternal, "reallocate ports", err)
		}
	}

	sess.Status = types.SessionStarting
	sess.ErrorMessage = ""
	if err := s.repo.Update(ctx, sess); err != nil {
		return nil, types.Wrap(types.ErrInternal, "update session", err)
	}
	event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})

	if s.agents != nil {
		if err := s.agents.Ensure(ctx, sess.UserID); err != nil {
			s.log.Warn().Err(err).Str("user_id", sess.UserID).Msg("ensure mmry/sldr processes failed")
		}
	}

	go s.spawnAndGate(context.Background(), sess)

	return sess, nil
}

// StopSession transitions Stopping -> kill processes -> Stopped.
// Idempotent on a terminal session.
func (s *Service) StopSession(ctx context.Context, id string) error {
	defer s.lockSession(id)()

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return nil
	}

	sess.Status = types.SessionStopping
	if err := s.repo.Update(ctx, sess); err != nil {
		return types.Wrap(types.ErrInternal, "update session", err)
	}
	event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})

	if err := s.runtime.Stop(ctx, sess); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("stop runtime processes failed")
	}

	if s.keys != nil && sess.EAVSKeyID != "" {
		if err := s.keys.RevokeKey(ctx, sess.EAVSKeyID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("revoke billing key failed")
		}
	}

	if s.agents != nil {
		if err := s.agents.Release(ctx, sess.UserID); err != nil {
			s.log.Warn().Err(err).Str("user_id", sess.UserID).Msg("release mmry/sldr processes failed")
		}
	}

	now := time.Now()
	sess.Status = types.SessionStopped
	sess.StoppedAt = &now
	if err := s.repo.Update(ctx, sess); err != nil {
		return types.Wrap(types.ErrInternal, "update session", err)
	}
	event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})
	return nil
}

// DeleteSession removes the row; only allowed from a non-active state.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	defer s.lockSession(id)()

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.IsActive() {
		return types.NewError(types.ErrConflict, "session is active")
	}
	if s.keys != nil && sess.EAVSKeyID != "" {
		if err := s.keys.RevokeKey(ctx, sess.EAVSKeyID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("revoke billing key failed")
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return types.Wrap(types.ErrInternal, "delete session", err)
	}
	event.Publish(event.Event{Type: event.SessionDeleted, Data: event.SessionDeletedData{SessionID: id, UserID: sess.UserID}})
	return nil
}

// UpgradeSession stops the session, swaps its image reference, then
// resumes it.
func (s *Service) UpgradeSession(ctx context.Context, id, newImage string) (*types.Session, error) {
	if err := s.StopSession(ctx, id); err != nil {
		return nil, err
	}
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Image = newImage
	sess.ImageDigest = ""
	if err := s.repo.Update(ctx, sess); err != nil {
		return nil, types.Wrap(types.ErrInternal, "update session image", err)
	}
	return s.ResumeSession(ctx, id)
}

// TouchSessionActivity bumps last_activity_at to now.
func (s *Service) TouchSessionActivity(ctx context.Context, id string) error {
	return s.repo.TouchActivity(ctx, id)
}

// ListSessions returns every session, optionally filtered to one user.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*types.Session, error) {
	return s.repo.List(ctx, userID)
}

// GetSession fetches by id or readable_id, trying id first.
func (s *Service) GetSession(ctx context.Context, idOrReadable string) (*types.Session, error) {
	sess, err := s.repo.Get(ctx, idOrReadable)
	if err == nil {
		return sess, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return s.repo.GetByReadableID(ctx, idOrReadable)
}

// CheckForImageUpdate reports whether sess's image has a newer digest
// available. Without a configured registry client this is a no-op that
// always reports no update, documented so callers don't mistake silence
// for a negative result from a real check.
func (s *Service) CheckForImageUpdate(ctx context.Context, id string) (bool, error) {
	_, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return false, nil
}

// enforceConcurrencyCap stops the oldest idle active session for
// userID if the new session would exceed max_concurrent_sessions.
func (s *Service) enforceConcurrencyCap(ctx context.Context, userID string) error {
	count, err := s.repo.ActiveCountForUser(ctx, userID)
	if err != nil {
		return types.Wrap(types.ErrInternal, "count active sessions", err)
	}
	if count < s.cfg.MaxConcurrentSessions {
		return nil
	}

	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	victim, err := s.repo.OldestIdleRunning(ctx, userID, cutoff)
	if err == ErrNotFound {
		return types.NewError(types.ErrConcurrencyLimit, "user is at max concurrent sessions")
	}
	if err != nil {
		return types.Wrap(types.ErrInternal, "find eviction candidate", err)
	}
	return s.StopSession(ctx, victim.ID)
}

// spawnAndGate requests the runtime spawn sess's processes, then polls
// its mandatory ports until all respond or the startup deadline
// expires. On success sess is marked Running; on timeout it is torn
// down and marked Failed.
func (s *Service) spawnAndGate(ctx context.Context, sess *types.Session) {
	specs, err := s.buildProcessSpecs(ctx, sess)
	if err != nil {
		s.markFailed(ctx, sess, err)
		return
	}

	sess.Status = types.SessionStarting
	_ = s.repo.Update(ctx, sess)
	event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})

	if err := s.runtime.Start(ctx, sess, specs); err != nil {
		s.markFailed(ctx, sess, err)
		return
	}
	sess.ClearVirtualKey()
	_ = s.repo.Update(ctx, sess)

	deadline := time.Now().Add(s.cfg.StartupHealthTimeout)
	for {
		if allPortsHealthy(sess.Ports()) {
			break
		}
		if time.Now().After(deadline) {
			_ = s.runtime.Stop(ctx, sess)
			s.markFailed(ctx, sess, types.NewError(types.ErrHealthTimeout, "startup health gate timed out"))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}

	now := time.Now()
	sess.Status = types.SessionRunning
	sess.StartedAt = &now
	if err := s.repo.Update(ctx, sess); err != nil {
		s.log.Error().Err(err).Str("session_id", sess.ID).Msg("mark running failed")
		return
	}
	event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})
}

func (s *Service) markFailed(ctx context.Context, sess *types.Session, cause error) {
	sess.Status = types.SessionFailed
	sess.ErrorMessage = cause.Error()
	_ = s.repo.Update(ctx, sess)
	event.Publish(event.Event{Type: event.SessionError, Data: event.SessionErrorData{
		SessionID: sess.ID,
		Kind:      string(types.KindOf(cause)),
		Message:   cause.Error(),
	}})
	event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})
}

func (s *Service) buildProcessSpecs(ctx context.Context, sess *types.Session) ([]ProcessSpec, error) {
	if s.users == nil {
		return nil, types.NewError(types.ErrInternal, "no user resolver configured")
	}
	u, err := s.users.ResolveUser(ctx, sess.UserID)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, "resolve workspace user", err)
	}

	env := map[string]string{
		"HOME": u.HomeDir,
		"USER": u.LinuxUsername,
	}
	if key := sess.VirtualKey(); key != "" {
		env["EAVS_VIRTUAL_KEY"] = key
	}

	return []ProcessSpec{
		{
			ProcessID: sess.ID + "-opencode",
			Binary:    s.bins.Opencode,
			Argv:      []string{"--port", fmt.Sprint(sess.OpencodePort), "--workspace", sess.WorkspacePath},
			Cwd:       sess.WorkspacePath,
			Env:       env,
		},
		{
			ProcessID: sess.ID + "-fileserver",
			Binary:    s.bins.Fileserver,
			Argv:      []string{"--port", fmt.Sprint(sess.FileserverPort), "--root", sess.WorkspacePath},
			Cwd:       sess.WorkspacePath,
			Env:       env,
		},
		{
			ProcessID: sess.ID + "-ttyd",
			Binary:    s.bins.TTYD,
			Argv:      []string{"--port", fmt.Sprint(sess.TTYDPort)},
			Cwd:       sess.WorkspacePath,
			Env:       env,
		},
	}, nil
}

func allPortsHealthy(ports []int) bool {
	for _, p := range ports {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p), 500*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
	}
	return true
}

// StartIdleReaper runs until Close, stopping sessions idle past
// idle_timeout every idle_check_interval.
func (s *Service) StartIdleReaper(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.IdleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reapIdle(ctx)
			}
		}
	}()
}

func (s *Service) reapIdle(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)
	idle, err := s.repo.AllIdleRunning(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("list idle sessions failed")
		return
	}
	for _, sess := range idle {
		event.Publish(event.Event{Type: event.SessionIdle, Data: event.SessionIdleData{
			SessionID: sess.ID,
			IdleSince: sess.LastActivityAt.Format(time.RFC3339),
		}})
		if err := s.StopSession(ctx, sess.ID); err != nil {
			s.log.Error().Err(err).Str("session_id", sess.ID).Msg("idle reaper stop failed")
		}
	}
}

// maxRestartsPerWindow bounds reconciliation restarts per session per
// reconcileInterval window so a crash-looping process doesn't spin the
// control plane.
const maxRestartsPerWindow = 3

// StartReconciliationLoop runs until Close, verifying every active
// session's backing process is alive every reconcile_interval.
func (s *Service) StartReconciliationLoop(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcile(ctx)
			}
		}
	}()
}

func (s *Service) reconcile(ctx context.Context) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list active sessions failed")
		return
	}
	for _, sess := range active {
		status, err := s.runtime.Status(ctx, sess)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("reconcile status check failed")
			continue
		}
		s.applyReconciliation(ctx, sess, status)
	}
}

func (s *Service) applyReconciliation(ctx context.Context, sess *types.Session, status ProcessStatus) {
	switch status {
	case StatusHealthy:
		return
	case StatusRestarting:
		if sess.Status != types.SessionStarting {
			sess.Status = types.SessionStarting
			_ = s.repo.Update(ctx, sess)
			event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: sess}})
		}
	case StatusExited:
		event.Publish(event.Event{Type: event.ReconciliationMismatch, Data: event.ReconciliationMismatchData{
			SessionID: sess.ID, StoredStatus: string(sess.Status), Observed: "exited",
		}})
		if !s.allowRestart(sess.ID) {
			s.markFailed(ctx, sess, types.NewError(types.ErrInternal, "restart budget exhausted"))
			return
		}
		go s.spawnAndGate(context.Background(), sess)
	case StatusNotFound:
		event.Publish(event.Event{Type: event.ReconciliationMismatch, Data: event.ReconciliationMismatchData{
			SessionID: sess.ID, StoredStatus: string(sess.Status), Observed: "not_found",
		}})
		s.markFailed(ctx, sess, types.NewError(types.ErrInternal, "process not found"))
	}
}

func (s *Service) allowRestart(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	window := now.Add(-s.cfg.ReconcileInterval * time.Duration(maxRestartsPerWindow))
	attempts := s.restartsLog[sessionID]
	var kept []time.Time
	for _, t := range attempts {
		if t.After(window) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= maxRestartsPerWindow {
		s.restartsLog[sessionID] = kept
		return false
	}
	kept = append(kept, now)
	s.restartsLog[sessionID] = kept
	return true
}

// lockSession serializes lifecycle transitions for one session id.
// UpgradeSession deliberately does not take the lock itself: it
// composes StopSession and ResumeSession, each of which does.
func (s *Service) lockSession(id string) func() {
	v, _ := s.idLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Close stops the background loops and waits for them to exit.
func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func newID() string {
	return ulid.Make().String()
}

var readableAdjectives = []string{
	"amber", "brisk", "calm", "deft", "eager", "fond", "glad", "hale",
	"keen", "lush", "mild", "neat", "plush", "quick", "ripe", "spry",
	"tidy", "vivid", "warm", "young", "bold", "crisp", "dapper", "fleet",
}

var readableNouns = []string{
	"otter", "heron", "maple", "ridge", "brook", "cedar", "dune", "ember",
	"fjord", "grove", "harbor", "inlet", "jetty", "knoll", "lagoon", "mesa",
	"nook", "orchard", "pond", "quarry", "reef", "summit", "thicket", "vale",
}

// newReadableID mints a short two-word alias distinct from the opaque
// ULID primary key, with a hex disambiguator so the unique constraint
// rarely trips.
func newReadableID() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	adj := readableAdjectives[int(b[0])%len(readableAdjectives)]
	noun := readableNouns[int(b[1])%len(readableNouns)]
	return strings.ToLower(fmt.Sprintf("%s-%s-%02x", adj, noun, b[2]))
}
