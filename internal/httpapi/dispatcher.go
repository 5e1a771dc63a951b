package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/internal/event"
	"github.com/octoplane/octoplane/internal/proxy"
	"github.com/octoplane/octoplane/internal/session"
	"github.com/octoplane/octoplane/pkg/types"
)

// sessionDispatcher implements mux.Dispatcher by forwarding each
// command as a small JSON POST to the session's own opencode port — the
// wire shape of that payload belongs to the agent process, not this
// platform, which forwards dynamic JSON payloads as-is, so every
// method here is the same locate-authorize-forward shape around a
// different path.
type sessionDispatcher struct {
	sessions *session.Service
	builder  *proxy.Builder
	client   *http.Client
	log      zerolog.Logger
}

func newSessionDispatcher(sessions *session.Service, builder *proxy.Builder, log zerolog.Logger) *sessionDispatcher {
	return &sessionDispatcher{
		sessions: sessions,
		builder:  builder,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.With().Str("component", "httpapi.dispatcher").Logger(),
	}
}

func (d *sessionDispatcher) GetSession(ctx context.Context, id string) (*types.Session, error) {
	return d.sessions.GetSession(ctx, id)
}

func (d *sessionDispatcher) post(ctx context.Context, userID, sessionID, path string, payload any) error {
	sess, err := d.builder.Resolve(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.Wrap(types.ErrInternal, "encode agent command", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", sess.OpencodePort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.Wrap(types.ErrInternal, "build agent request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return types.Wrap(types.ErrUpstreamError, "agent process unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return types.NewError(types.ErrUpstreamError, fmt.Sprintf("agent returned %d for %s", resp.StatusCode, path))
	}
	return nil
}

func (d *sessionDispatcher) SendMessage(ctx context.Context, userID, sessionID, message string, attachments []json.RawMessage) error {
	payload := map[string]any{
		"message":     message,
		"attachments": attachments,
	}
	if err := d.post(ctx, userID, sessionID, "/session/"+sessionID+"/message", payload); err != nil {
		return err
	}
	// Echo the accepted message onto the bus so every subscribed client
	// (and the reconnect cache) sees it, not just the sender.
	body, err := json.Marshal(map[string]any{"role": "user", "content": message})
	if err != nil {
		return nil
	}
	event.Publish(event.Event{Type: event.MessageUpdated, Data: event.MessageUpdatedData{
		UserID:    userID,
		SessionID: sessionID,
		MessageID: ulid.Make().String(),
		Message:   body,
	}})
	return nil
}

func (d *sessionDispatcher) SendParts(ctx context.Context, userID, sessionID string, parts json.RawMessage) error {
	return d.post(ctx, userID, sessionID, "/session/"+sessionID+"/message", json.RawMessage(parts))
}

func (d *sessionDispatcher) Abort(ctx context.Context, userID, sessionID string) error {
	return d.post(ctx, userID, sessionID, "/session/"+sessionID+"/abort", nil)
}

func (d *sessionDispatcher) PermissionReply(ctx context.Context, userID, sessionID, permissionID string, granted bool) error {
	return d.post(ctx, userID, sessionID, "/session/"+sessionID+"/permissions/"+permissionID, map[string]any{
		"granted": granted,
	})
}

func (d *sessionDispatcher) QuestionReply(ctx context.Context, userID, sessionID string, raw json.RawMessage) error {
	return d.post(ctx, userID, sessionID, "/session/"+sessionID+"/question/reply", raw)
}

func (d *sessionDispatcher) QuestionReject(ctx context.Context, userID, sessionID string, raw json.RawMessage) error {
	return d.post(ctx, userID, sessionID, "/session/"+sessionID+"/question/reject", raw)
}

func (d *sessionDispatcher) RefreshSession(ctx context.Context, userID, sessionID string) error {
	return d.sessions.TouchSessionActivity(ctx, sessionID)
}

func (d *sessionDispatcher) A2UIAction(ctx context.Context, userID, sessionID string, raw json.RawMessage) error {
	return d.post(ctx, userID, sessionID, "/session/"+sessionID+"/a2ui/action", raw)
}
