package proxy

import (
	"context"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/pkg/types"
)

// SSEProxy streams a session's event endpoint straight through to the
// client, flushing after every write via http.ResponseController with
// a Flusher fallback.
type SSEProxy struct {
	Builder *Builder
	Client  *http.Client
	Log     zerolog.Logger
}

func NewSSEProxy(builder *Builder, log zerolog.Logger) *SSEProxy {
	return &SSEProxy{
		Builder: builder,
		Client:  &http.Client{}, // no timeout: the stream can run indefinitely
		Log:     log.With().Str("component", "proxy.sse").Logger(),
	}
}

// Stream proxies an SSE connection to port/path on sess, using the same
// connect-retry-during-startup policy as the HTTP proxy; once connected,
// disconnection on either side terminates the stream cleanly with no
// reconnect (the client is expected to reconnect itself).
func (p *SSEProxy) Stream(w http.ResponseWriter, r *http.Request, sess *types.Session, port int, path string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	rc := http.NewResponseController(w)

	upstream, err := p.connectWithRetry(r.Context(), port, path, r.URL.RawQuery)
	if err != nil {
		status := http.StatusBadGateway
		if types.KindOf(err) == types.ErrServiceUnavailable {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer upstream.Body.Close()

	for k, vv := range upstream.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(upstream.StatusCode)
	if err := rc.Flush(); err != nil {
		flusher.Flush()
	}

	buf := make([]byte, 4096)
	for {
		n, err := upstream.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if ferr := rc.Flush(); ferr != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				p.Log.Debug().Err(err).Str("session_id", sess.ID).Msg("sse upstream read ended")
			}
			return
		}
		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
}

func (p *SSEProxy) connectWithRetry(ctx context.Context, port int, path, rawQuery string) (*http.Response, error) {
	url := targetURL("http", port, path, rawQuery)
	var resp *http.Response

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(types.Wrap(types.ErrInternal, "build sse request", err))
		}

		r, err := p.Client.Do(req)
		if err == nil {
			resp = r
			return nil
		}
		if !isConnectError(err) {
			return backoff.Permanent(types.Wrap(types.ErrUpstreamError, "sse connect failed", err))
		}
		return types.Wrap(types.ErrServiceUnavailable, "sse upstream unreachable after startup window", err)
	}

	if err := backoff.Retry(operation, p.Builder.newStartupBackOff(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.ErrInternal, "request cancelled", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}
