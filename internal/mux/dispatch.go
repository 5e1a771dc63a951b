package mux

import (
	"context"
	"encoding/json"

	"github.com/octoplane/octoplane/pkg/types"
)

// SessionAuthorizer checks that a session exists and belongs to the
// requesting user before a subscription or command touching it is
// accepted.
type SessionAuthorizer interface {
	GetSession(ctx context.Context, id string) (*types.Session, error)
}

// Dispatcher carries out the commands that need to reach a running
// session's agent process. The mux package only frames and routes;
// the concrete session/proxy wiring lives behind this seam so the hub
// can be tested without a live opencode process.
type Dispatcher interface {
	SendMessage(ctx context.Context, userID, sessionID, message string, attachments []json.RawMessage) error
	SendParts(ctx context.Context, userID, sessionID string, parts json.RawMessage) error
	Abort(ctx context.Context, userID, sessionID string) error
	PermissionReply(ctx context.Context, userID, sessionID, permissionID string, granted bool) error
	QuestionReply(ctx context.Context, userID, sessionID string, raw json.RawMessage) error
	QuestionReject(ctx context.Context, userID, sessionID string, raw json.RawMessage) error
	RefreshSession(ctx context.Context, userID, sessionID string) error
	A2UIAction(ctx context.Context, userID, sessionID string, raw json.RawMessage) error
}
