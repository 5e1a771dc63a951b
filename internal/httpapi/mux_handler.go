package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/octoplane/octoplane/internal/mux"
)

var muxUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced at the HTTP layer before upgrade
}

// serveMux upgrades the authenticated caller's connection to the
// multiplexed client WebSocket and runs it until it disconnects.
func (s *Server) serveMux(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	ws, err := muxUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("mux websocket upgrade failed")
		return
	}
	conn := mux.NewConn(ws, s.hub, u.ID, s.log)
	conn.Run(r.Context())
}
