package proxy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/pkg/types"
)

// Ttyd client->server and server->client frame prefixes.
const (
	ttydInput  byte = '0'
	ttydResize byte = '1'
	ttydPause  byte = '2'
	ttydResume byte = '3'
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced at the HTTP layer before upgrade
}

// WSProxy bridges an authenticated client WebSocket to an upstream
// loopback WebSocket, either a session's terminal (ttyd framing applied)
// or a configured external voice endpoint (pure pass-through).
type WSProxy struct {
	Builder *Builder
	Log     zerolog.Logger
}

func NewWSProxy(builder *Builder, log zerolog.Logger) *WSProxy {
	return &WSProxy{Builder: builder, Log: log.With().Str("component", "proxy.ws").Logger()}
}

// TerminalResize is the initial auth/resize frame the proxy sends to
// ttyd immediately after connecting.
type TerminalResize struct {
	AuthToken string `json:"AuthToken"`
	Columns   int    `json:"columns"`
	Rows      int    `json:"rows"`
}

// BridgeTerminal upgrades r, connects to sess's ttyd port with the
// "tty" sub-protocol, sends the initial resize frame, optionally
// injects a synthetic initial-command input frame, then bridges bytes
// bidirectionally, stripping/dropping the ttyd output-side framing
// bytes the client doesn't need.
func (p *WSProxy) BridgeTerminal(w http.ResponseWriter, r *http.Request, sess *types.Session, columns, rows int, initialCommand string) {
	client, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		p.Log.Debug().Err(err).Msg("client websocket upgrade failed")
		return
	}
	defer client.Close()

	upstream, err := p.dialTtydWithRetry(r.Context(), sess.TTYDPort)
	if err != nil {
		client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer upstream.Close()

	initial, _ := json.Marshal(TerminalResize{Columns: columns, Rows: rows})
	if err := upstream.WriteMessage(websocket.TextMessage, initial); err != nil {
		return
	}
	if initialCommand != "" {
		frame := append([]byte{ttydInput}, []byte(initialCommand)...)
		upstream.WriteMessage(websocket.BinaryMessage, frame)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if err := upstream.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		default:
		}

		msgType, data, err := upstream.ReadMessage()
		if err != nil {
			return
		}
		if len(data) > 0 && (data[0] == ttydResize || data[0] == ttydPause || data[0] == ttydResume) {
			continue // control frames from ttyd are dropped, not forwarded
		}
		if len(data) > 0 && data[0] == '0' {
			data = data[1:] // strip the output prefix the client doesn't use
		}
		if err := client.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func (p *WSProxy) dialTtydWithRetry(ctx context.Context, port int) (*websocket.Conn, error) {
	url := targetURL("ws", port, "/ws", "")
	dialer := websocket.Dialer{Subprotocols: []string{"tty"}}
	var conn *websocket.Conn

	operation := func() error {
		c, _, err := dialer.DialContext(ctx, url, nil)
		if err == nil {
			conn = c
			return nil
		}
		return types.Wrap(types.ErrServiceUnavailable, "ttyd unreachable after startup window", err)
	}

	if err := backoff.Retry(operation, p.Builder.newStartupBackOff(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.ErrInternal, "dial cancelled", ctx.Err())
		}
		return nil, err
	}
	return conn, nil
}

// BridgeRaw upgrades r and bridges it bidirectionally, unframed, to a
// session's loopback port at path — used by routes with no ttyd framing
// or fixed external URL of their own, such as a session's browser
// devtools stream.
func (p *WSProxy) BridgeRaw(w http.ResponseWriter, r *http.Request, sess *types.Session, port int, path string) {
	client, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		p.Log.Debug().Err(err).Msg("client websocket upgrade failed")
		return
	}
	defer client.Close()

	url := targetURL("ws", port, path, r.URL.RawQuery)
	dialer := websocket.Dialer{}
	var upstream *websocket.Conn

	operation := func() error {
		u, _, dialErr := dialer.DialContext(r.Context(), url, nil)
		if dialErr == nil {
			upstream = u
			return nil
		}
		return dialErr
	}
	if err := backoff.Retry(operation, p.Builder.newStartupBackOff(r.Context())); err != nil {
		client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer upstream.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if err := upstream.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		default:
		}
		msgType, data, err := upstream.ReadMessage()
		if err != nil {
			return
		}
		if err := client.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// BridgeVoice proxies a voice STT/TTS connection to a fixed external
// URL with no session binding: pure bidirectional pass-through of
// binary frames and ping/pong.
func (p *WSProxy) BridgeVoice(w http.ResponseWriter, r *http.Request, upstreamURL string) {
	client, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		p.Log.Debug().Err(err).Msg("client websocket upgrade failed")
		return
	}
	defer client.Close()

	dialer := websocket.Dialer{}
	upstream, _, err := dialer.DialContext(r.Context(), upstreamURL, nil)
	if err != nil {
		client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer upstream.Close()

	upstream.SetPingHandler(func(appData string) error {
		return client.WriteMessage(websocket.PingMessage, []byte(appData))
	})
	client.SetPingHandler(func(appData string) error {
		return upstream.WriteMessage(websocket.PingMessage, []byte(appData))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if err := upstream.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		default:
		}
		msgType, data, err := upstream.ReadMessage()
		if err != nil {
			return
		}
		if err := client.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
