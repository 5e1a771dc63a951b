package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/octoplane/octoplane/pkg/types"

	"github.com/rs/zerolog"
)

// Server accepts connections on a Unix socket and dispatches each
// decoded request line to a registered Handler by op name. Commands on a
// given connection are serialized; different connections are
// independent, matching the runner's per-connection ordering contract.
type Server struct {
	handlers map[string]Handler
	log      zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server with no handlers registered yet.
func NewServer(log zerolog.Logger) *Server {
	return &Server{
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// Handle registers a handler for op. Panics on duplicate registration
// since the operation set is fixed at startup, never at runtime.
func (s *Server) Handle(op string, h Handler) {
	if _, exists := s.handlers[op]; exists {
		panic("ipc: duplicate handler for op " + op)
	}
	s.handlers[op] = h
}

// ListenAndServe creates the socket at path with the given permission
// mode and serves forever, until the listener is closed. The caller is
// responsible for the parent directory's ownership and mode; socket mode
// is applied after bind since Unix sockets inherit the umask otherwise.
func (s *Server) ListenAndServe(path string, mode os.FileMode) error {
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return err
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	var writeMu sync.Mutex

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.handleLine(conn, &writeMu, line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleLine(conn net.Conn, writeMu *sync.Mutex, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.log.Warn().Err(err).Msg("ipc: malformed request line")
		return
	}

	resp := Response{ID: req.ID}

	h, ok := s.handlers[req.Op]
	if !ok {
		resp.Error = string(types.ErrBadRequest) + ": unknown op " + req.Op
	} else {
		data, err := h(req.Params)
		if err != nil {
			resp.Error = toWireError(err)
		} else {
			resp.OK = true
			if data != nil {
				raw, merr := json.Marshal(data)
				if merr != nil {
					resp.OK = false
					resp.Error = string(types.ErrInternal) + ": " + merr.Error()
				} else {
					resp.Data = raw
				}
			}
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	out = append(out, '\n')

	writeMu.Lock()
	defer writeMu.Unlock()
	_, _ = conn.Write(out)
}

// toWireError renders err as "<kind>: <message>", matching the
// socket-boundary error format.
func toWireError(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		if e.Detail != "" {
			return string(e.Kind) + ": " + e.Message + " (" + e.Detail + ")"
		}
		return string(e.Kind) + ": " + e.Message
	}
	return string(types.ErrInternal) + ": " + err.Error()
}
