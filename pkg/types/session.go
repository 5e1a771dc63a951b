// Package types holds the data model shared across the control plane,
// the user-manager daemon, and the per-user runner.
package types

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionFailed   SessionStatus = "failed"
)

// IsActive reports whether s counts against a user's concurrency cap and
// holds a live port allocation.
func (s SessionStatus) IsActive() bool {
	switch s {
	case SessionPending, SessionStarting, SessionRunning:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a final state the session cannot leave
// without a resume.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// Session is one running workspace bound to one user and one workspace
// directory.
type Session struct {
	ID             string        `json:"id" db:"id"`
	ReadableID     string        `json:"readable_id" db:"readable_id"`
	UserID         string        `json:"user_id" db:"user_id"`
	WorkspacePath  string        `json:"workspace_path" db:"workspace_path"`
	Image          string        `json:"image" db:"image"`
	ImageDigest    string        `json:"image_digest,omitempty" db:"image_digest"`
	Status         SessionStatus `json:"status" db:"status"`
	ContainerID    string        `json:"container_id,omitempty" db:"container_id"`
	PID            int           `json:"pid,omitempty" db:"pid"`
	ErrorMessage   string        `json:"error_message,omitempty" db:"error_message"`

	OpencodePort   int `json:"opencode_port" db:"opencode_port"`
	FileserverPort int `json:"fileserver_port" db:"fileserver_port"`
	TTYDPort       int `json:"ttyd_port" db:"ttyd_port"`
	EAVSPort       int `json:"eavs_port,omitempty" db:"eavs_port"`
	AgentBasePort  int `json:"agent_base_port,omitempty" db:"agent_base_port"`
	MaxAgents      int `json:"max_agents,omitempty" db:"max_agents"`

	EAVSKeyID      string `json:"eavs_key_id,omitempty" db:"eavs_key_id"`
	EAVSKeyHash    string `json:"eavs_key_hash,omitempty" db:"eavs_key_hash"`
	eavsVirtualKey string // held only long enough to hand to the agent process, never persisted to disk

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`
}

// PortStride is the number of contiguous ports reserved per session: the
// three mandatory ports (opencode, fileserver, ttyd) plus the optional eavs
// port and an agent range.
func (s *Session) PortStride(defaultMaxAgents int) int {
	maxAgents := s.MaxAgents
	if maxAgents <= 0 {
		maxAgents = defaultMaxAgents
	}
	stride := 3 + maxAgents // opencode + fileserver + ttyd + agent range
	if s.EAVSPort != 0 || s.AgentBasePort == 0 {
		stride++ // reserve a slot for eavs even when unused so strides are uniform
	}
	return stride
}

// SetVirtualKey stores the plaintext billing key for as long as it takes to
// hand it to the spawned agent process; it is never serialized.
func (s *Session) SetVirtualKey(key string) { s.eavsVirtualKey = key }

// VirtualKey returns the plaintext billing key, or "" once cleared.
func (s *Session) VirtualKey() string { return s.eavsVirtualKey }

// ClearVirtualKey drops the in-memory plaintext key after spawn.
func (s *Session) ClearVirtualKey() { s.eavsVirtualKey = "" }

// Ports returns the session's mandatory ports in health-probe order.
func (s *Session) Ports() []int {
	ports := []int{s.OpencodePort, s.FileserverPort, s.TTYDPort}
	if s.EAVSPort != 0 {
		ports = append(ports, s.EAVSPort)
	}
	return ports
}
