package types

import "time"

// Role is a user's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an authenticated platform account, optionally bound to a
// dedicated Linux identity in multi-user mode.
type User struct {
	ID            string `json:"id" db:"id"`
	Username      string `json:"username" db:"username"`
	Email         string `json:"email" db:"email"`
	PasswordHash  string `json:"-" db:"password_hash"`
	Role          Role   `json:"role" db:"role"`
	IsActive      bool   `json:"is_active" db:"is_active"`

	// LinuxUsername and LinuxUID are set once, in multi-user mode, and
	// never change afterward. LinuxUID is the authoritative binding;
	// LinuxUsername is verification metadata checked against it.
	LinuxUsername string `json:"linux_username,omitempty" db:"linux_username"`
	LinuxUID      int    `json:"linux_uid,omitempty" db:"linux_uid"`

	// MmryPort and SldrPort are allocated lazily, the first time the user
	// needs a memory or slide-server process, and then stay stable.
	MmryPort int `json:"mmry_port,omitempty" db:"mmry_port"`
	SldrPort int `json:"sldr_port,omitempty" db:"sldr_port"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HasLinuxIdentity reports whether u has been bound to an OS user.
func (u *User) HasLinuxIdentity() bool {
	return u.LinuxUID != 0
}

// InviteCode gates registration.
type InviteCode struct {
	Code          string     `json:"code" db:"code"`
	UsesRemaining int        `json:"uses_remaining" db:"uses_remaining"`
	MaxUses       int        `json:"max_uses" db:"max_uses"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	UsedBy        []string   `json:"used_by,omitempty" db:"-"`
	Revoked       bool       `json:"revoked" db:"revoked"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Valid reports whether the invite code can still be redeemed at now.
func (c *InviteCode) Valid(now time.Time) bool {
	if c.Revoked || c.UsesRemaining <= 0 {
		return false
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return false
	}
	return true
}

// OnboardingState tracks a user's progress through the first-run flow.
type OnboardingState struct {
	UserID             string   `json:"user_id"`
	StageIndex         int      `json:"stage_index"`
	UnlockedComponents []string `json:"unlocked_components"`
	Completed          bool     `json:"completed"`
	Godmode            bool     `json:"godmode"`
}

// IsUnlocked reports whether component has been unlocked for this user.
func (o *OnboardingState) IsUnlocked(component string) bool {
	if o.Godmode {
		return true
	}
	for _, c := range o.UnlockedComponents {
		if c == component {
			return true
		}
	}
	return false
}
