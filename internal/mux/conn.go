package mux

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/pkg/types"
)

const (
	sendBufferSize = 256
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
)

// Conn is one authenticated user's multiplexed client WebSocket: a
// single socket carrying the pi/agent/files/terminal/hstry/a2ui/system
// channels. Modeled on the event.Bus
// subscribe/publish shape, repurposed per-connection: a bounded outbound
// channel pumped by one goroutine, inbound frames dispatched by another.
type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	userID string
	log    zerolog.Logger

	send    chan outEvent
	dropped uint64
}

// NewConn wraps an upgraded websocket.Conn for userID, registered with
// hub for the lifetime of the connection.
func NewConn(ws *websocket.Conn, hub *Hub, userID string, log zerolog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		hub:    hub,
		userID: userID,
		log:    log.With().Str("component", "mux.conn").Str("user_id", userID).Logger(),
		send:   make(chan outEvent, sendBufferSize),
	}
}

// enqueue delivers evt to this connection's outbound buffer. When the
// buffer is full, the oldest queued event is dropped to make room and
// DroppedEvents counter is incremented, per the connection's backpressure
// policy; this never blocks the broadcaster.
func (c *Conn) enqueue(evt outEvent) {
	select {
	case c.send <- evt:
		return
	default:
	}
	select {
	case <-c.send:
		c.dropped++
	default:
	}
	select {
	case c.send <- evt:
	default:
	}
}

// Run drives the connection until either side closes it: a write pump
// draining c.send plus a ~30s ping ticker, and a read pump dispatching
// inbound command frames. Run blocks until the connection ends, then
// releases every subscription this connection held.
func (c *Conn) Run(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readPump(connCtx)
	}()

	c.enqueue(newFrame(EvtConnected, nil))
	c.writePump(connCtx, done)

	c.hub.ReleaseAll(c)
	c.log.Debug().Msg("connection closed, subscriptions released")
}

func (c *Conn) writePump(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case evt := <-c.send:
			if err := c.writeJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			ping := newFrame(EvtPing, nil)
			if c.dropped > 0 {
				ping = newFrame(EvtDroppedEvents, map[string]any{"count": c.dropped})
			}
			if err := c.writeJSON(ping); err != nil {
				return
			}
		}
	}
}

func (c *Conn) writeJSON(evt outEvent) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(evt)
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.ws.Close()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.enqueue(errorEvent("", "malformed frame"))
			continue
		}
		c.dispatch(ctx, env.Type, raw)
	}
}

// dispatch decodes raw according to typ's command-specific struct and
// carries it out, replying with an error frame on failure. Unknown
// types produce an error frame rather than closing the connection, so
// one bad frame doesn't tear down the whole socket.
func (c *Conn) dispatch(ctx context.Context, typ string, raw []byte) {
	switch typ {
	case CmdPong:
		return
	case CmdSubscribe:
		var cmd subscribeCmd
		if !c.decode(raw, &cmd) {
			return
		}
		if err := c.authorize(ctx, cmd.SessionID); err != nil {
			c.enqueue(errorEvent(cmd.SessionID, err.Error()))
			return
		}
		c.hub.Subscribe(c, cmd.SessionID)
		for _, msg := range c.hub.Cache.Get(c.userID, cmd.SessionID, "") {
			c.enqueue(newFrame(EvtMessageUpdated, map[string]any{"session_id": cmd.SessionID, "message": msg}))
		}
	case CmdUnsubscribe:
		var cmd subscribeCmd
		if !c.decode(raw, &cmd) {
			return
		}
		c.hub.Unsubscribe(c, cmd.SessionID)
	case CmdRefreshSession:
		var cmd subscribeCmd
		if !c.decode(raw, &cmd) {
			return
		}
		c.call(cmd.SessionID, c.hub.Dispatcher.RefreshSession(ctx, c.userID, cmd.SessionID))
	case CmdSendMessage:
		var cmd sendMessageCmd
		if !c.decode(raw, &cmd) {
			return
		}
		c.call(cmd.SessionID, c.hub.Dispatcher.SendMessage(ctx, c.userID, cmd.SessionID, cmd.Message, cmd.Attachments))
	case CmdSendParts:
		var cmd sendPartsCmd
		if !c.decode(raw, &cmd) {
			return
		}
		c.call(cmd.SessionID, c.hub.Dispatcher.SendParts(ctx, c.userID, cmd.SessionID, cmd.Parts))
	case CmdAbort:
		var cmd abortCmd
		if !c.decode(raw, &cmd) {
			return
		}
		c.call(cmd.SessionID, c.hub.Dispatcher.Abort(ctx, c.userID, cmd.SessionID))
	case CmdPermissionReply:
		var cmd permissionReplyCmd
		if !c.decode(raw, &cmd) {
			return
		}
		c.call(cmd.SessionID, c.hub.Dispatcher.PermissionReply(ctx, c.userID, cmd.SessionID, cmd.PermissionID, cmd.Granted))
	case CmdQuestionReply:
		var cmd questionCmd
		if !c.decode(raw, &cmd) {
			return
		}
		c.call(cmd.SessionID, c.hub.Dispatcher.QuestionReply(ctx, c.userID, cmd.SessionID, raw))
	case CmdQuestionReject:
		var cmd questionCmd
		if !c.decode(raw, &cmd) {
			return
		}
		c.call(cmd.SessionID, c.hub.Dispatcher.QuestionReject(ctx, c.userID, cmd.SessionID, raw))
	case CmdGetMessages:
		var cmd getMessagesCmd
		if !c.decode(raw, &cmd) {
			return
		}
		if err := c.authorize(ctx, cmd.SessionID); err != nil {
			c.enqueue(errorEvent(cmd.SessionID, err.Error()))
			return
		}
		msgs := c.hub.Cache.Get(c.userID, cmd.SessionID, cmd.AfterID)
		c.enqueue(newFrame(EvtMessages, map[string]any{"session_id": cmd.SessionID, "messages": msgs}))
	case CmdA2UIAction:
		var cmd a2uiActionCmd
		if !c.decode(raw, &cmd) {
			return
		}
		if err := c.hub.Dispatcher.A2UIAction(ctx, c.userID, cmd.SessionID, raw); err != nil {
			c.enqueue(errorEvent(cmd.SessionID, err.Error()))
			return
		}
		c.enqueue(newFrame(EvtA2UIActionResolved, map[string]any{"session_id": cmd.SessionID}))
	default:
		c.enqueue(errorEvent("", "unknown command type"))
	}
}

func (c *Conn) decode(raw []byte, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.enqueue(errorEvent("", "malformed frame"))
		return false
	}
	return true
}

// authorize confirms sessionID exists and belongs to this connection's
// user before a subscribe/get_messages touches it.
func (c *Conn) authorize(ctx context.Context, sessionID string) error {
	sess, err := c.hub.Authorizer.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != c.userID {
		return types.NewError(types.ErrForbidden, "session does not belong to caller")
	}
	return nil
}

func (c *Conn) call(sessionID string, err error) {
	if err != nil {
		c.enqueue(errorEvent(sessionID, err.Error()))
	}
}
