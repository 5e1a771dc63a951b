// Package accounts backs the auth/register/logout and admin user/invite-
// code routes of the HTTP API with the User/InviteCode/
// OnboardingState rows from the data model: a sqlite repository,
// bcrypt password hashing, and JWT issuance/verification.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/octoplane/octoplane/pkg/types"
)

var ErrNotFound = errors.New("accounts: not found")

// Repository owns the users, invite_codes, invite_code_redemptions, and
// onboarding_state tables.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts a new user row with a freshly minted id.
func (r *Repository) CreateUser(ctx context.Context, u *types.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO users
		(id, username, email, password_hash, role, is_active, linux_username, linux_uid, mmry_port, sldr_port, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), boolToInt(u.IsActive),
		nullIfEmpty(u.LinuxUsername), nullIfZero(u.LinuxUID), nullIfZero(u.MmryPort), nullIfZero(u.SldrPort),
		formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("accounts: create user: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO onboarding_state (user_id) VALUES (?)`, u.ID)
	if err != nil {
		return fmt.Errorf("accounts: create onboarding state: %w", err)
	}
	return nil
}

// UpdateUser persists every mutable field of u.
func (r *Repository) UpdateUser(ctx context.Context, u *types.User) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET
		username=?, email=?, password_hash=?, role=?, is_active=?,
		linux_username=?, linux_uid=?, mmry_port=?, sldr_port=?
		WHERE id=?`,
		u.Username, u.Email, u.PasswordHash, string(u.Role), boolToInt(u.IsActive),
		nullIfEmpty(u.LinuxUsername), nullIfZero(u.LinuxUID), nullIfZero(u.MmryPort), nullIfZero(u.SldrPort),
		u.ID,
	)
	if err != nil {
		return fmt.Errorf("accounts: update user: %w", err)
	}
	return nil
}

// DeleteUser removes the row; callers are responsible for any linked
// deprovisioning (linux identity teardown is the user-manager's concern).
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("accounts: delete user: %w", err)
	}
	return nil
}

const userSelectColumns = `SELECT
	id, username, email, password_hash, role, is_active, linux_username, linux_uid, mmry_port, sldr_port, created_at
	FROM users `

func (r *Repository) GetUser(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRowContext(ctx, userSelectColumns+`WHERE id=?`, id)
	return scanUser(row)
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := r.db.QueryRowContext(ctx, userSelectColumns+`WHERE username=?`, username)
	return scanUser(row)
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	row := r.db.QueryRowContext(ctx, userSelectColumns+`WHERE email=?`, email)
	return scanUser(row)
}

func (r *Repository) ListUsers(ctx context.Context) ([]*types.User, error) {
	rows, err := r.db.QueryContext(ctx, userSelectColumns+`ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("accounts: list users: %w", err)
	}
	defer rows.Close()

	var out []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*types.User, error) {
	var u types.User
	var roleStr string
	var isActive int
	var linuxUsername sql.NullString
	var linuxUID, mmryPort, sldrPort sql.NullInt64
	var createdAt string

	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &roleStr, &isActive,
		&linuxUsername, &linuxUID, &mmryPort, &sldrPort, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: scan user: %w", err)
	}

	u.Role = types.Role(roleStr)
	u.IsActive = isActive != 0
	u.LinuxUsername = linuxUsername.String
	u.LinuxUID = int(linuxUID.Int64)
	u.MmryPort = int(mmryPort.Int64)
	u.SldrPort = int(sldrPort.Int64)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// CreateInviteCode inserts a new invite code.
func (r *Repository) CreateInviteCode(ctx context.Context, c *types.InviteCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO invite_codes
		(code, uses_remaining, max_uses, expires_at, revoked, created_at) VALUES (?,?,?,?,?,?)`,
		c.Code, c.UsesRemaining, c.MaxUses, formatTimePtr(c.ExpiresAt), boolToInt(c.Revoked), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("accounts: create invite code: %w", err)
	}
	return nil
}

// RedeemInviteCode decrements uses_remaining and records the redemption,
// all inside one transaction so two concurrent redeemers can't both
// observe uses_remaining > 0 and overdraw it.
func (r *Repository) RedeemInviteCode(ctx context.Context, code, userID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accounts: begin redeem: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT uses_remaining, max_uses, expires_at, revoked, created_at
		FROM invite_codes WHERE code=?`, code)
	var usesRemaining, maxUses int
	var expiresAt sql.NullString
	var revoked int
	var createdAt string
	if err := row.Scan(&usesRemaining, &maxUses, &expiresAt, &revoked, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("accounts: lookup invite code: %w", err)
	}

	ic := types.InviteCode{UsesRemaining: usesRemaining, MaxUses: maxUses, Revoked: revoked != 0}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		ic.ExpiresAt = &t
	}
	if !ic.Valid(time.Now()) {
		return types.NewError(types.ErrConflict, "invite code is not valid")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE invite_codes SET uses_remaining=uses_remaining-1 WHERE code=?`, code); err != nil {
		return fmt.Errorf("accounts: decrement invite code: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO invite_code_redemptions (code, user_id, redeemed_at) VALUES (?,?,?)`,
		code, userID, formatTime(time.Now())); err != nil {
		return fmt.Errorf("accounts: record redemption: %w", err)
	}
	return tx.Commit()
}

func (r *Repository) GetInviteCode(ctx context.Context, code string) (*types.InviteCode, error) {
	row := r.db.QueryRowContext(ctx, `SELECT code, uses_remaining, max_uses, expires_at, revoked, created_at
		FROM invite_codes WHERE code=?`, code)
	var ic types.InviteCode
	var expiresAt sql.NullString
	var revoked int
	var createdAt string
	if err := row.Scan(&ic.Code, &ic.UsesRemaining, &ic.MaxUses, &expiresAt, &revoked, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get invite code: %w", err)
	}
	ic.Revoked = revoked != 0
	ic.CreatedAt = parseTime(createdAt)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		ic.ExpiresAt = &t
	}
	return &ic, nil
}

func (r *Repository) RevokeInviteCode(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE invite_codes SET revoked=1 WHERE code=?`, code)
	if err != nil {
		return fmt.Errorf("accounts: revoke invite code: %w", err)
	}
	return nil
}

func (r *Repository) ListInviteCodes(ctx context.Context) ([]*types.InviteCode, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT code, uses_remaining, max_uses, expires_at, revoked, created_at
		FROM invite_codes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("accounts: list invite codes: %w", err)
	}
	defer rows.Close()

	var out []*types.InviteCode
	for rows.Next() {
		var ic types.InviteCode
		var expiresAt sql.NullString
		var revoked int
		var createdAt string
		if err := rows.Scan(&ic.Code, &ic.UsesRemaining, &ic.MaxUses, &expiresAt, &revoked, &createdAt); err != nil {
			return nil, fmt.Errorf("accounts: scan invite code: %w", err)
		}
		ic.Revoked = revoked != 0
		ic.CreatedAt = parseTime(createdAt)
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			ic.ExpiresAt = &t
		}
		out = append(out, &ic)
	}
	return out, rows.Err()
}

// GetOnboardingState fetches userID's first-run progress.
func (r *Repository) GetOnboardingState(ctx context.Context, userID string) (*types.OnboardingState, error) {
	row := r.db.QueryRowContext(ctx, `SELECT user_id, stage_index, unlocked_components, completed, godmode
		FROM onboarding_state WHERE user_id=?`, userID)
	var o types.OnboardingState
	var unlocked string
	var completed, godmode int
	if err := row.Scan(&o.UserID, &o.StageIndex, &unlocked, &completed, &godmode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get onboarding state: %w", err)
	}
	o.Completed = completed != 0
	o.Godmode = godmode != 0
	o.UnlockedComponents = splitComponents(unlocked)
	return &o, nil
}

// UpdateOnboardingState persists o in full.
func (r *Repository) UpdateOnboardingState(ctx context.Context, o *types.OnboardingState) error {
	_, err := r.db.ExecContext(ctx, `UPDATE onboarding_state SET
		stage_index=?, unlocked_components=?, completed=?, godmode=? WHERE user_id=?`,
		o.StageIndex, joinComponents(o.UnlockedComponents), boolToInt(o.Completed), boolToInt(o.Godmode), o.UserID,
	)
	if err != nil {
		return fmt.Errorf("accounts: update onboarding state: %w", err)
	}
	return nil
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// splitComponents/joinComponents store UnlockedComponents as a simple
// comma-joined string; the set is small and never contains commas.
func splitComponents(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func joinComponents(cs []string) string {
	out := ""
	for i, c := range cs {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
