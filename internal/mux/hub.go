package mux

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/internal/event"
)

// Hub tracks which connections are subscribed to which session ids and
// fans out session-scoped events to them. Subscriptions are
// per-connection and refcounted so that the same connection issuing
// subscribe twice needs two unsubscribes (or a close) to fully detach,
// matching the idempotent-unsubscribe contract.
//
// The subscription map is guarded by a single RWMutex; reads (the
// broadcast path) dominate over writes (subscribe/unsubscribe), per
// the hub's concurrency contract.
type Hub struct {
	mu         sync.RWMutex
	bySession  map[string]map[*Conn]int
	Cache      *MessageCache
	Dispatcher Dispatcher
	Authorizer SessionAuthorizer
	Log        zerolog.Logger

	unsubscribeBus func()
	stopSweeper    chan struct{}
}

func NewHub(cache *MessageCache, dispatcher Dispatcher, authorizer SessionAuthorizer, log zerolog.Logger) *Hub {
	h := &Hub{
		bySession:  make(map[string]map[*Conn]int),
		Cache:      cache,
		Dispatcher: dispatcher,
		Authorizer: authorizer,
		Log:        log.With().Str("component", "mux.hub").Logger(),
	}
	h.unsubscribeBus = event.SubscribeAll(h.onEvent)
	h.stopSweeper = make(chan struct{})
	go h.sweepLoop()
	return h
}

// sweepLoop expires idle message-cache buckets once a minute until the
// hub closes.
func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopSweeper:
			return
		case now := <-ticker.C:
			h.Cache.Sweep(now)
		}
	}
}

// Close stops listening to the event bus and ends the cache sweeper.
// Connections must be closed independently (closing the underlying
// listener does that).
func (h *Hub) Close() {
	if h.unsubscribeBus != nil {
		h.unsubscribeBus()
	}
	if h.stopSweeper != nil {
		close(h.stopSweeper)
	}
}

// Subscribe adds one reference for conn on sessionID.
func (h *Hub) Subscribe(conn *Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.bySession[sessionID]
	if !ok {
		conns = make(map[*Conn]int)
		h.bySession[sessionID] = conns
	}
	conns[conn]++
}

// Unsubscribe removes one reference for conn on sessionID. Idempotent:
// unsubscribing past zero, or from a session never subscribed to, is a
// no-op.
func (h *Hub) Unsubscribe(conn *Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(conn, sessionID)
}

func (h *Hub) unsubscribeLocked(conn *Conn, sessionID string) {
	conns, ok := h.bySession[sessionID]
	if !ok {
		return
	}
	if conns[conn] <= 1 {
		delete(conns, conn)
	} else {
		conns[conn]--
	}
	if len(conns) == 0 {
		delete(h.bySession, sessionID)
	}
}

// ReleaseAll drops every subscription conn holds, across all sessions.
// Called once when the connection closes.
func (h *Hub) ReleaseAll(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, conns := range h.bySession {
		if _, ok := conns[conn]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.bySession, sessionID)
			}
		}
	}
}

// Broadcast sends evt to every connection subscribed to sessionID. Send
// failures to an individual connection's buffer only affect that
// connection.
func (h *Hub) Broadcast(sessionID string, evt outEvent) {
	h.mu.RLock()
	conns := h.bySession[sessionID]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(evt)
	}
}

// onEvent bridges the process-wide event bus into mux broadcasts for
// the event types clients care about.
func (h *Hub) onEvent(e event.Event) {
	switch e.Type {
	case event.SessionUpdated:
		data, ok := e.Data.(event.SessionUpdatedData)
		if !ok || data.Info == nil {
			return
		}
		h.Broadcast(data.Info.ID, newFrame(EvtSessionUpdated, map[string]any{
			"session_id":     data.Info.ID,
			"status":         data.Info.Status,
			"workspace_path": data.Info.WorkspacePath,
		}))
	case event.SessionError:
		data, ok := e.Data.(event.SessionErrorData)
		if !ok {
			return
		}
		h.Broadcast(data.SessionID, errorEvent(data.SessionID, data.Message))
	case event.MessageUpdated:
		data, ok := e.Data.(event.MessageUpdatedData)
		if !ok {
			return
		}
		h.Cache.Put(data.UserID, data.SessionID, data.MessageID, data.Message)
		h.Broadcast(data.SessionID, newFrame(EvtMessageUpdated, map[string]any{
			"session_id": data.SessionID,
			"message":    json.RawMessage(data.Message),
		}))
	}
}
