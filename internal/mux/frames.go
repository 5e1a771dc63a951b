// Package mux implements the single multiplexed client WebSocket: one
// connection per authenticated user carrying several logical channels
// (pi, agent/session, files, terminal, hstry, a2ui, system) over a
// shared JSON frame format.
package mux

import "encoding/json"

// Inbound command types (the "type" tag on a client->server frame).
const (
	CmdSubscribe       = "subscribe"
	CmdUnsubscribe     = "unsubscribe"
	CmdSendMessage     = "send_message"
	CmdSendParts       = "send_parts"
	CmdAbort           = "abort"
	CmdPermissionReply = "permission_reply"
	CmdQuestionReply   = "question_reply"
	CmdQuestionReject  = "question_reject"
	CmdRefreshSession  = "refresh_session"
	CmdGetMessages     = "get_messages"
	CmdA2UIAction      = "a2ui_action"
	CmdPong            = "pong"
)

// Outbound event types (the "type" tag on a server->client frame).
const (
	EvtConnected           = "connected"
	EvtPing                = "ping"
	EvtError               = "error"
	EvtSessionUpdated      = "session_updated"
	EvtMessageUpdated      = "message_updated"
	EvtA2UIActionResolved  = "a2ui_action_resolved"
	EvtMessages            = "messages"
	EvtDroppedEvents       = "dropped_events"
)

// envelope is used only to read the discriminator tag; the full frame
// is re-decoded into a command-specific struct once the type is known.
type envelope struct {
	Type string `json:"type"`
}

// subscribeCmd is the payload of subscribe/unsubscribe/refresh_session,
// which all carry nothing but a session id.
type subscribeCmd struct {
	SessionID string `json:"session_id"`
}

type sendMessageCmd struct {
	SessionID   string            `json:"session_id"`
	Message     string            `json:"message"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
}

type sendPartsCmd struct {
	SessionID string          `json:"session_id"`
	Parts     json.RawMessage `json:"parts"`
}

type abortCmd struct {
	SessionID string `json:"session_id"`
}

type permissionReplyCmd struct {
	SessionID    string `json:"session_id"`
	PermissionID string `json:"permission_id"`
	Granted      bool   `json:"granted"`
}

// questionCmd covers both question_reply and question_reject: only the
// session id is structured, the rest of the payload is opaque to the
// mux and passed through to the dispatcher as the raw frame bytes.
type questionCmd struct {
	SessionID string `json:"session_id"`
}

type getMessagesCmd struct {
	SessionID string `json:"session_id"`
	AfterID   string `json:"after_id,omitempty"`
}

type a2uiActionCmd struct {
	SessionID string `json:"session_id"`
}

// outEvent is a generic outbound frame: Type plus whatever extra fields
// the specific event needs, held in a plain map so they encode flat.
type outEvent map[string]any

func newFrame(typ string, fields map[string]any) outEvent {
	e := outEvent{"type": typ}
	for k, v := range fields {
		e[k] = v
	}
	return e
}

func errorEvent(sessionID, message string) outEvent {
	f := map[string]any{"message": message}
	if sessionID != "" {
		f["session_id"] = sessionID
	}
	return newFrame(EvtError, f)
}
