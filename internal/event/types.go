package event

import (
	"encoding/json"

	"github.com/octoplane/octoplane/pkg/types"
)

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the data for session.updated events. Published on
// every status transition and on port/container assignment.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	SessionID string `json:"sessionID"`
	UserID    string `json:"userID"`
}

// SessionIdleData is the data for session.idle events, published by the
// idle reaper before it stops a session.
type SessionIdleData struct {
	SessionID string `json:"sessionID"`
	IdleSince string `json:"idleSince"`
}

// SessionErrorData is the data for session.error events.
type SessionErrorData struct {
	SessionID string `json:"sessionID"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// MessageUpdatedData is the data for message.updated events: a chat
// message (new or revised) belonging to one user's session. The message
// body is opaque to the bus and carried as raw JSON.
type MessageUpdatedData struct {
	UserID    string          `json:"userID"`
	SessionID string          `json:"sessionID"`
	MessageID string          `json:"messageID"`
	Message   json.RawMessage `json:"message"`
}

// ProcessExitedData is the data for process.exited events, published by a
// runner when a supervised child terminates.
type ProcessExitedData struct {
	SessionID string `json:"sessionID"`
	ProcessID string `json:"processID"`
	ExitCode  int    `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
	Crashed   bool   `json:"crashed"`
}

// ProcessStartedData is the data for process.started events.
type ProcessStartedData struct {
	SessionID string `json:"sessionID"`
	ProcessID string `json:"processID"`
	PID       int    `json:"pid"`
}

// UserProvisionedData is the data for user.provisioned events, published
// by the user-manager once a Linux identity has been created for a user.
type UserProvisionedData struct {
	UserID        string `json:"userID"`
	LinuxUsername string `json:"linuxUsername"`
	LinuxUID      int    `json:"linuxUID"`
}

// UserDeprovisionedData is the data for user.deprovisioned events.
type UserDeprovisionedData struct {
	UserID        string `json:"userID"`
	LinuxUsername string `json:"linuxUsername"`
}

// BillingKeyRotatedData is the data for session.key_rotated events.
type BillingKeyRotatedData struct {
	SessionID string `json:"sessionID"`
	EAVSKeyID string `json:"eavsKeyID"`
}

// ReconciliationMismatchData is the data for reconciliation.mismatch
// events, published when the reconciliation loop finds a session record
// whose backing process disagrees with its stored status.
type ReconciliationMismatchData struct {
	SessionID    string `json:"sessionID"`
	StoredStatus string `json:"storedStatus"`
	Observed     string `json:"observed"`
}
