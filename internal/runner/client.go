package runner

import (
	"context"

	"github.com/octoplane/octoplane/internal/ipc"
)

// Client is the control plane's handle onto a target user's runner
// socket, used by the session service to spawn/supervise that user's
// workspace processes.
type Client struct {
	conn *ipc.Client
}

// Dial connects to the runner socket at path.
func Dial(path string) (*Client, error) {
	c, err := ipc.Dial(path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// Close releases the socket connection.
func (c *Client) Close() error { return c.conn.Close() }

// SpawnProcess asks the runner to spawn and supervise a child.
func (c *Client) SpawnProcess(ctx context.Context, args SpawnArgs) error {
	return c.conn.Call(ctx, OpSpawnProcess, args, nil)
}

// SpawnRPCProcess is spawn_process with a caller-side hint that the
// child exposes its own RPC port; the runner treats the two identically.
func (c *Client) SpawnRPCProcess(ctx context.Context, args SpawnArgs) error {
	return c.conn.Call(ctx, OpSpawnRPCProcess, args, nil)
}

// GetStatus fetches a supervised child's liveness.
func (c *Client) GetStatus(ctx context.Context, processID string) (StatusResult, error) {
	var result StatusResult
	err := c.conn.Call(ctx, OpGetStatus, map[string]string{"process_id": processID}, &result)
	return result, err
}

// KillProcess terminates a supervised child.
func (c *Client) KillProcess(ctx context.Context, processID string, force bool) error {
	return c.conn.Call(ctx, OpKillProcess, KillArgs{ProcessID: processID, Force: force}, nil)
}

// ReadStdout reads captured output starting at offset.
func (c *Client) ReadStdout(ctx context.Context, processID string, offset int64) (ReadStdoutResult, error) {
	var result ReadStdoutResult
	err := c.conn.Call(ctx, OpReadStdout, ReadStdoutArgs{ProcessID: processID, Offset: offset}, &result)
	return result, err
}

// ListProcesses returns a snapshot of every child the runner tracks.
func (c *Client) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	var result []ProcessInfo
	err := c.conn.Call(ctx, OpListProcesses, nil, &result)
	return result, err
}

// Shutdown asks the runner to terminate every owned child and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.conn.Call(ctx, OpShutdown, nil, nil)
}
