package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/octoplane/octoplane/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (string, *Server) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	srv := NewServer(zerolog.Nop())
	srv.Handle("ping", func(params json.RawMessage) (any, error) {
		return map[string]bool{"pong": true}, nil
	})
	srv.Handle("echo", func(params json.RawMessage) (any, error) {
		var in struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, types.Wrap(types.ErrBadRequest, "bad params", err)
		}
		return map[string]string{"msg": in.Msg}, nil
	})
	srv.Handle("fail", func(params json.RawMessage) (any, error) {
		return nil, types.NewError(types.ErrNotFound, "missing thing")
	})

	go srv.ListenAndServe(sockPath, 0o600)
	require.Eventually(t, func() bool {
		c, err := Dial(sockPath)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	t.Cleanup(func() { srv.Close() })
	return sockPath, srv
}

func TestClientServerPing(t *testing.T) {
	sockPath, _ := startTestServer(t)

	c, err := Dial(sockPath)
	require.NoError(t, err)
	defer c.Close()

	var result map[string]bool
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = c.Call(ctx, "ping", nil, &result)
	require.NoError(t, err)
	assert.True(t, result["pong"])
}

func TestClientServerEcho(t *testing.T) {
	sockPath, _ := startTestServer(t)

	c, err := Dial(sockPath)
	require.NoError(t, err)
	defer c.Close()

	var result struct {
		Msg string `json:"msg"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = c.Call(ctx, "echo", map[string]string{"msg": "hello"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Msg)
}

func TestClientServerError(t *testing.T) {
	sockPath, _ := startTestServer(t)

	c, err := Dial(sockPath)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = c.Call(ctx, "fail", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFound")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err), "kind survives the wire round trip")
}

func TestClientUnknownOp(t *testing.T) {
	sockPath, _ := startTestServer(t)

	c, err := Dial(sockPath)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = c.Call(ctx, "no-such-op", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op")
}

func TestConcurrentCallsOnOneConnection(t *testing.T) {
	sockPath, _ := startTestServer(t)

	c, err := Dial(sockPath)
	require.NoError(t, err)
	defer c.Close()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			errs <- c.Call(ctx, "ping", nil, nil)
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}
}

func TestCallAfterServerClose(t *testing.T) {
	sockPath, srv := startTestServer(t)

	c, err := Dial(sockPath)
	require.NoError(t, err)
	defer c.Close()

	srv.Close()
	// Existing connections aren't force-closed by Server.Close, but a
	// fresh dial should now fail.
	_, err = Dial(sockPath)
	assert.Error(t, err)
}
