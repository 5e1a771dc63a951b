package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/octoplane/octoplane/internal/config"
)

func listenerPort(t *testing.T, l net.Listener) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestHTTPProxy_ForwardsRequestAndResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer upstream.Close()

	parsed, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	builder := &Builder{Cfg: config.ProxyConfig{MaxBodyBytes: 1 << 20, StartupWindow: time.Second, RetryUnit: 10 * time.Millisecond}}
	p := NewHTTPProxy(builder, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("hello"))
	rec := httptest.NewRecorder()

	p.Forward(rec, req, nil, port, "/echo")

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	require.Equal(t, "hello", rec.Body.String())
}

func TestHTTPProxy_RejectsOversizedBody(t *testing.T) {
	builder := &Builder{Cfg: config.ProxyConfig{MaxBodyBytes: 4}}
	p := NewHTTPProxy(builder, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("way too large a body"))
	rec := httptest.NewRecorder()

	p.Forward(rec, req, nil, 1, "/echo")

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHTTPProxy_ReturnsServiceUnavailableAfterStartupWindow(t *testing.T) {
	// Reserve a port, then close the listener so nothing answers there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listenerPort(t, l)
	require.NoError(t, l.Close())

	builder := &Builder{Cfg: config.ProxyConfig{StartupWindow: 30 * time.Millisecond, RetryUnit: 5 * time.Millisecond}}
	p := NewHTTPProxy(builder, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	p.Forward(rec, req, nil, port, "/x")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
