package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/octoplane/octoplane/pkg/types"
)

// Repository is the sole owner of the sessions table. It serializes port
// allocation and row insertion inside one transaction to avoid the
// TOCTOU race between reading and updating a session's status.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an already-open, already-migrated *sql.DB.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// activeStatuses lists the statuses that hold a live port allocation and
// count against a user's concurrency cap.
var activeStatuses = []types.SessionStatus{types.SessionPending, types.SessionStarting, types.SessionRunning}

// CreateWithAllocatedPorts computes the lowest free port stride from the
// rows currently holding active status, assigns it to s (unless s's
// ports are already pinned, used by resume's reuse-if-free path), and
// inserts s — all inside one transaction so no other writer can observe
// a half-allocated state.
func (r *Repository) CreateWithAllocatedPorts(ctx context.Context, s *types.Session, stride, minBase int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin: %w", err)
	}
	defer tx.Rollback()

	occupied, err := r.activePortRanges(ctx, tx, "")
	if err != nil {
		return err
	}

	base := s.OpencodePort
	if base == 0 || rangeOverlapsAny(portRange{Base: base, Stride: stride}, occupied) {
		base = findFreeBase(occupied, stride, minBase)
	}
	assignPorts(s, base)

	if err := insertSession(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// ReallocatePorts recomputes a free stride excluding s's own current
// row, used by resume when the previous ports are no longer free.
func (r *Repository) ReallocatePorts(ctx context.Context, s *types.Session, stride, minBase int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin: %w", err)
	}
	defer tx.Rollback()

	occupied, err := r.activePortRanges(ctx, tx, s.ID)
	if err != nil {
		return err
	}
	base := findFreeBase(occupied, stride, minBase)
	assignPorts(s, base)

	if err := r.updateTx(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// PortsFree reports whether s's currently-assigned stride is free among
// other active sessions (excluding s itself); used by resume's
// prefer-reuse path.
func (r *Repository) PortsFree(ctx context.Context, s *types.Session, stride int) (bool, error) {
	occupied, err := r.activePortRanges(ctx, nil, s.ID)
	if err != nil {
		return false, err
	}
	want := portRange{Base: s.OpencodePort, Stride: stride}
	return !rangeOverlapsAny(want, occupied), nil
}

func rangeOverlapsAny(want portRange, occupied []portRange) bool {
	for _, o := range occupied {
		if want.overlaps(o) {
			return true
		}
	}
	return false
}

func assignPorts(s *types.Session, base int) {
	s.OpencodePort = base
	s.FileserverPort = base + 1
	s.TTYDPort = base + 2
	next := base + 3
	if s.EAVSPort != 0 || s.AgentBasePort == 0 {
		s.EAVSPort = next
		next++
	}
	if s.AgentBasePort != 0 || s.MaxAgents > 0 {
		s.AgentBasePort = next
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Repository) activePortRanges(ctx context.Context, tx *sql.Tx, excludeID string) ([]portRange, error) {
	placeholders, args := statusPlaceholders()
	query := fmt.Sprintf(`SELECT opencode_port, fileserver_port, ttyd_port, eavs_port, agent_base_port, max_agents, id
		FROM sessions WHERE status IN (%s)`, placeholders)

	var q queryer = r.db
	if tx != nil {
		q = tx
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repo: query active ports: %w", err)
	}
	defer rows.Close()

	var ranges []portRange
	for rows.Next() {
		var opencodePort, fileserverPort, ttydPort int
		var eavsPort, agentBasePort, maxAgents sql.NullInt64
		var id string
		if err := rows.Scan(&opencodePort, &fileserverPort, &ttydPort, &eavsPort, &agentBasePort, &maxAgents, &id); err != nil {
			return nil, fmt.Errorf("repo: scan active ports: %w", err)
		}
		if id == excludeID {
			continue
		}
		lo := opencodePort
		hi := ttydPort + 1
		if eavsPort.Valid && int(eavsPort.Int64)+1 > hi {
			hi = int(eavsPort.Int64) + 1
		}
		if agentBasePort.Valid {
			agentsEnd := int(agentBasePort.Int64) + int(maxAgents.Int64)
			if agentsEnd > hi {
				hi = agentsEnd
			}
		}
		ranges = append(ranges, portRange{Base: lo, Stride: hi - lo})
	}
	return ranges, rows.Err()
}

func statusPlaceholders() (string, []any) {
	ph := ""
	args := make([]any, 0, len(activeStatuses))
	for i, s := range activeStatuses {
		if i > 0 {
			ph += ","
		}
		ph += "?"
		args = append(args, string(s))
	}
	return ph, args
}

func insertSession(ctx context.Context, tx *sql.Tx, s *types.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions (
		id, readable_id, user_id, workspace_path, image, image_digest, status,
		container_id, pid, error_message,
		opencode_port, fileserver_port, ttyd_port, eavs_port, agent_base_port, max_agents,
		eavs_key_id, eavs_key_hash,
		created_at, started_at, stopped_at, last_activity_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ReadableID, s.UserID, s.WorkspacePath, s.Image, nullIfEmpty(s.ImageDigest), string(s.Status),
		nullIfEmpty(s.ContainerID), nullIfZero(s.PID), nullIfEmpty(s.ErrorMessage),
		s.OpencodePort, s.FileserverPort, s.TTYDPort, nullIfZero(s.EAVSPort), nullIfZero(s.AgentBasePort), nullIfZero(s.MaxAgents),
		nullIfEmpty(s.EAVSKeyID), nullIfEmpty(s.EAVSKeyHash),
		formatTime(s.CreatedAt), formatTimePtr(s.StartedAt), formatTimePtr(s.StoppedAt), formatTime(s.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("repo: insert session: %w", err)
	}
	return nil
}

// Update persists every mutable field of s.
func (r *Repository) Update(ctx context.Context, s *types.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin: %w", err)
	}
	defer tx.Rollback()
	if err := r.updateTx(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) updateTx(ctx context.Context, tx *sql.Tx, s *types.Session) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET
		workspace_path=?, image=?, image_digest=?, status=?,
		container_id=?, pid=?, error_message=?,
		opencode_port=?, fileserver_port=?, ttyd_port=?, eavs_port=?, agent_base_port=?, max_agents=?,
		eavs_key_id=?, eavs_key_hash=?,
		started_at=?, stopped_at=?, last_activity_at=?
		WHERE id=?`,
		s.WorkspacePath, s.Image, nullIfEmpty(s.ImageDigest), string(s.Status),
		nullIfEmpty(s.ContainerID), nullIfZero(s.PID), nullIfEmpty(s.ErrorMessage),
		s.OpencodePort, s.FileserverPort, s.TTYDPort, nullIfZero(s.EAVSPort), nullIfZero(s.AgentBasePort), nullIfZero(s.MaxAgents),
		nullIfEmpty(s.EAVSKeyID), nullIfEmpty(s.EAVSKeyHash),
		formatTimePtr(s.StartedAt), formatTimePtr(s.StoppedAt), formatTime(s.LastActivityAt),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("repo: update session: %w", err)
	}
	return nil
}

// TouchActivity bumps last_activity_at to now.
func (r *Repository) TouchActivity(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at=? WHERE id=?`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("repo: touch activity: %w", err)
	}
	return nil
}

// Delete removes the row outright; callers must have already verified
// the session is in a non-active state.
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("repo: delete session: %w", err)
	}
	return nil
}

var ErrNotFound = errors.New("session not found")

// Get fetches by id.
func (r *Repository) Get(ctx context.Context, id string) (*types.Session, error) {
	row := r.db.QueryRowContext(ctx, sessionSelectColumns+`WHERE id=?`, id)
	return scanSession(row)
}

// GetByReadableID fetches by the short human alias.
func (r *Repository) GetByReadableID(ctx context.Context, readableID string) (*types.Session, error) {
	row := r.db.QueryRowContext(ctx, sessionSelectColumns+`WHERE readable_id=?`, readableID)
	return scanSession(row)
}

// GetActiveByWorkspace fetches the active session for (userID, workspacePath),
// used by get-or-create-for-workspace's reuse path.
func (r *Repository) GetActiveByWorkspace(ctx context.Context, userID, workspacePath string) (*types.Session, error) {
	ph, args := statusPlaceholders()
	query := sessionSelectColumns + fmt.Sprintf(`WHERE user_id=? AND workspace_path=? AND status IN (%s)`, ph)
	allArgs := append([]any{userID, workspacePath}, args...)
	row := r.db.QueryRowContext(ctx, query, allArgs...)
	return scanSession(row)
}

// List returns every session, optionally filtered to one user.
func (r *Repository) List(ctx context.Context, userID string) ([]*types.Session, error) {
	var rows *sql.Rows
	var err error
	if userID != "" {
		rows, err = r.db.QueryContext(ctx, sessionSelectColumns+`WHERE user_id=? ORDER BY created_at`, userID)
	} else {
		rows, err = r.db.QueryContext(ctx, sessionSelectColumns+`ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("repo: list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListActive returns every session currently in an active status,
// across all users — used by the reconciliation loop.
func (r *Repository) ListActive(ctx context.Context) ([]*types.Session, error) {
	ph, args := statusPlaceholders()
	rows, err := r.db.QueryContext(ctx, sessionSelectColumns+fmt.Sprintf(`WHERE status IN (%s)`, ph), args...)
	if err != nil {
		return nil, fmt.Errorf("repo: list active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ActiveCountForUser counts userID's sessions in an active status
// (pending, starting or running); a stopping session is not counted.
func (r *Repository) ActiveCountForUser(ctx context.Context, userID string) (int, error) {
	ph, args := statusPlaceholders()
	allArgs := append([]any{userID}, args...)
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM sessions WHERE user_id=? AND status IN (%s)`, ph), allArgs...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repo: count active sessions: %w", err)
	}
	return count, nil
}

// OldestIdleRunning returns userID's oldest running session whose
// last_activity_at is before cutoff, or ErrNotFound if none qualify —
// the LRU-eviction candidate.
func (r *Repository) OldestIdleRunning(ctx context.Context, userID string, cutoff time.Time) (*types.Session, error) {
	row := r.db.QueryRowContext(ctx, sessionSelectColumns+`WHERE user_id=? AND status=? AND last_activity_at < ?
		ORDER BY last_activity_at ASC LIMIT 1`, userID, string(types.SessionRunning), formatTime(cutoff))
	return scanSession(row)
}

// AllIdleRunning returns every running session across all users whose
// last_activity_at is before cutoff — consumed by the idle reaper.
func (r *Repository) AllIdleRunning(ctx context.Context, cutoff time.Time) ([]*types.Session, error) {
	rows, err := r.db.QueryContext(ctx, sessionSelectColumns+`WHERE status=? AND last_activity_at < ?`, string(types.SessionRunning), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("repo: list idle sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

const sessionSelectColumns = `SELECT
	id, readable_id, user_id, workspace_path, image, image_digest, status,
	container_id, pid, error_message,
	opencode_port, fileserver_port, ttyd_port, eavs_port, agent_base_port, max_agents,
	eavs_key_id, eavs_key_hash,
	created_at, started_at, stopped_at, last_activity_at
	FROM sessions `

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	var imageDigest, containerID, errorMessage, eavsKeyID, eavsKeyHash sql.NullString
	var pid, eavsPort, agentBasePort, maxAgents sql.NullInt64
	var createdAt, lastActivityAt string
	var startedAt, stoppedAt sql.NullString
	var status string

	err := row.Scan(
		&s.ID, &s.ReadableID, &s.UserID, &s.WorkspacePath, &s.Image, &imageDigest, &status,
		&containerID, &pid, &errorMessage,
		&s.OpencodePort, &s.FileserverPort, &s.TTYDPort, &eavsPort, &agentBasePort, &maxAgents,
		&eavsKeyID, &eavsKeyHash,
		&createdAt, &startedAt, &stoppedAt, &lastActivityAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("repo: scan session: %w", err)
	}

	s.Status = types.SessionStatus(status)
	s.ImageDigest = imageDigest.String
	s.ContainerID = containerID.String
	s.ErrorMessage = errorMessage.String
	s.PID = int(pid.Int64)
	s.EAVSPort = int(eavsPort.Int64)
	s.AgentBasePort = int(agentBasePort.Int64)
	s.MaxAgents = int(maxAgents.Int64)
	s.EAVSKeyID = eavsKeyID.String
	s.EAVSKeyHash = eavsKeyHash.String
	s.CreatedAt = parseTime(createdAt)
	s.LastActivityAt = parseTime(lastActivityAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		s.StartedAt = &t
	}
	if stoppedAt.Valid {
		t := parseTime(stoppedAt.String)
		s.StoppedAt = &t
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*types.Session, error) {
	var out []*types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
