package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/pkg/types"
)

// HTTPProxy forwards ordinary request/response traffic to a session's
// opencode or fileserver port.
type HTTPProxy struct {
	Builder *Builder
	Client  *http.Client
	Log     zerolog.Logger
}

func NewHTTPProxy(builder *Builder, log zerolog.Logger) *HTTPProxy {
	return &HTTPProxy{
		Builder: builder,
		Client:  &http.Client{Timeout: 60 * time.Second},
		Log:     log.With().Str("component", "proxy.http").Logger(),
	}
}

// Forward proxies r to the given session's port, buffering the request
// body up to MaxBodyBytes, rewriting Content-Length, and retrying
// connection failures during the session's startup window.
func (p *HTTPProxy) Forward(w http.ResponseWriter, r *http.Request, sess *types.Session, port int, path string) {
	body, err := p.bufferBody(r)
	if err != nil {
		if types.KindOf(err) == types.ErrPayloadTooLarge {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	url := targetURL("http", port, path, r.URL.RawQuery)

	resp, err := p.doWithRetry(r.Context(), r.Method, url, body, r.Header)
	if err != nil {
		status := http.StatusBadGateway
		if types.KindOf(err) == types.ErrServiceUnavailable {
			status = http.StatusServiceUnavailable
		}
		if sess != nil {
			p.Log.Debug().Err(err).Str("session_id", sess.ID).Int("port", port).Msg("proxy forward failed")
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (p *HTTPProxy) bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	maxBytes := p.Builder.Cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	limited := io.LimitReader(r.Body, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, "read request body", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, types.NewError(types.ErrPayloadTooLarge, "request body exceeds limit")
	}
	return data, nil
}

// doWithRetry issues the upstream request, retrying only connection
// failures (not application-level error responses) while within the
// retry budget.
func (p *HTTPProxy) doWithRetry(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(types.Wrap(types.ErrInternal, "build upstream request", err))
		}
		copyForwardHeaders(req.Header, header)
		if len(body) > 0 {
			req.Header.Set("Content-Length", strconv.Itoa(len(body)))
		}
		req.Header.Del("Transfer-Encoding")

		r, err := p.Client.Do(req)
		if err == nil {
			resp = r
			return nil
		}
		if !isConnectError(err) {
			return backoff.Permanent(types.Wrap(types.ErrUpstreamError, "upstream request failed", err))
		}
		return types.Wrap(types.ErrServiceUnavailable, "upstream unreachable after startup window", err)
	}

	if err := backoff.Retry(operation, p.Builder.newStartupBackOff(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.ErrInternal, "request cancelled", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// isConnectError reports whether err represents a failure to establish
// the TCP connection (the only failure mode the startup-window retry
// policy applies to) as opposed to a failure after connecting.
func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		if k == "Content-Length" || k == "Transfer-Encoding" || k == "Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
