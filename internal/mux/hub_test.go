package mux

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octoplane/octoplane/internal/event"
	"github.com/octoplane/octoplane/pkg/types"
)

type nopDispatcher struct{}

func (nopDispatcher) SendMessage(ctx context.Context, userID, sessionID, message string, attachments []json.RawMessage) error {
	return nil
}
func (nopDispatcher) SendParts(ctx context.Context, userID, sessionID string, parts json.RawMessage) error {
	return nil
}
func (nopDispatcher) Abort(ctx context.Context, userID, sessionID string) error { return nil }
func (nopDispatcher) PermissionReply(ctx context.Context, userID, sessionID, permissionID string, granted bool) error {
	return nil
}
func (nopDispatcher) QuestionReply(ctx context.Context, userID, sessionID string, raw json.RawMessage) error {
	return nil
}
func (nopDispatcher) QuestionReject(ctx context.Context, userID, sessionID string, raw json.RawMessage) error {
	return nil
}
func (nopDispatcher) RefreshSession(ctx context.Context, userID, sessionID string) error { return nil }
func (nopDispatcher) A2UIAction(ctx context.Context, userID, sessionID string, raw json.RawMessage) error {
	return nil
}

type nopAuthorizer struct{}

func (nopAuthorizer) GetSession(ctx context.Context, id string) (*types.Session, error) {
	return &types.Session{ID: id, UserID: "u1"}, nil
}

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(NewMessageCache(1<<20, 10, time.Minute), nopDispatcher{}, nopAuthorizer{}, zerolog.New(io.Discard))
	t.Cleanup(h.Close)
	return h
}

func testConn(h *Hub, userID string) *Conn {
	return NewConn(nil, h, userID, zerolog.New(io.Discard))
}

func drain(c *Conn) []outEvent {
	var out []outEvent
	for {
		select {
		case evt := <-c.send:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestHub_BroadcastReachesSubscribers(t *testing.T) {
	h := testHub(t)
	a := testConn(h, "u1")
	b := testConn(h, "u1")

	h.Subscribe(a, "s1")
	h.Subscribe(b, "s2")

	h.Broadcast("s1", newFrame(EvtSessionUpdated, map[string]any{"session_id": "s1"}))

	require.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestHub_SubscriptionsAreRefcounted(t *testing.T) {
	h := testHub(t)
	c := testConn(h, "u1")

	h.Subscribe(c, "s1")
	h.Subscribe(c, "s1")
	h.Unsubscribe(c, "s1")

	h.Broadcast("s1", newFrame(EvtPing, nil))
	require.Len(t, drain(c), 1, "one unsubscribe of two refs should keep the subscription")

	h.Unsubscribe(c, "s1")
	h.Broadcast("s1", newFrame(EvtPing, nil))
	assert.Empty(t, drain(c))
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := testHub(t)
	c := testConn(h, "u1")

	h.Unsubscribe(c, "never-subscribed")
	h.Subscribe(c, "s1")
	h.Unsubscribe(c, "s1")
	h.Unsubscribe(c, "s1")

	h.Broadcast("s1", newFrame(EvtPing, nil))
	assert.Empty(t, drain(c))
}

func TestHub_ReleaseAllDropsEverySubscription(t *testing.T) {
	h := testHub(t)
	c := testConn(h, "u1")
	other := testConn(h, "u2")

	h.Subscribe(c, "s1")
	h.Subscribe(c, "s2")
	h.Subscribe(other, "s1")

	h.ReleaseAll(c)

	h.Broadcast("s1", newFrame(EvtPing, nil))
	h.Broadcast("s2", newFrame(EvtPing, nil))
	assert.Empty(t, drain(c))
	assert.Len(t, drain(other), 1, "other connections keep their subscriptions")
}

func TestHub_MessageEventLandsInCacheAndBroadcast(t *testing.T) {
	h := testHub(t)
	c := testConn(h, "u1")
	h.Subscribe(c, "s1")

	event.PublishSync(event.Event{Type: event.MessageUpdated, Data: event.MessageUpdatedData{
		UserID:    "u1",
		SessionID: "s1",
		MessageID: "m1",
		Message:   json.RawMessage(`{"role":"user","content":"hi"}`),
	}})

	require.Eventually(t, func() bool {
		return len(h.Cache.Get("u1", "s1", "")) == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		evts := drain(c)
		for _, e := range evts {
			if e["type"] == EvtMessageUpdated {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestConn_EnqueueDropsOldestWhenFull(t *testing.T) {
	h := testHub(t)
	c := testConn(h, "u1")

	for i := 0; i < sendBufferSize+5; i++ {
		c.enqueue(newFrame(EvtPing, map[string]any{"seq": i}))
	}

	evts := drain(c)
	require.Len(t, evts, sendBufferSize)
	assert.EqualValues(t, 5, c.dropped)
	assert.Equal(t, 5, evts[0]["seq"], "oldest events dropped first")
}
