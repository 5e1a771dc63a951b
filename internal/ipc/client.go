package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/octoplane/octoplane/pkg/types"
)

// Client is a persistent connection to a Server. It mirrors a typical
// StdioTransport shape (bufio read loop, pending-request map keyed by
// id, mutex-guarded writes) but speaks over a Unix socket instead of a
// subprocess's stdin/stdout.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	nextID  int64

	mu      sync.Mutex
	pending map[int64]chan *Response
	closed  bool
}

// Dial connects to the Unix socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		pending: make(map[int64]chan *Response),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			c.failAll()
			return
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call sends a request and blocks for the matching response, or until
// ctx is done. params is marshaled to JSON; result, if non-nil, is
// unmarshaled from the response data on success.
func (c *Client) Call(ctx context.Context, op string, params any, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("ipc: connection closed")
	}
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			return err
		}
		raw = encoded
	}

	req := Request{ID: id, Op: op, Params: raw}
	if err := c.writeRequest(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return fmt.Errorf("ipc: connection closed")
		}
		if !resp.OK {
			return fromWireError(resp.Error)
		}
		if result != nil && len(resp.Data) > 0 {
			return json.Unmarshal(resp.Data, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Client) writeRequest(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// fromWireError revives a "<kind>: <detail>" socket error string into a
// kind-tagged error so callers can branch on the taxonomy (a replaced
// dead process vs. a genuinely unknown one, say) across the wire.
func fromWireError(s string) error {
	if kind, rest, found := strings.Cut(s, ": "); found {
		if k, ok := types.KindFromString(kind); ok {
			return types.NewError(k, rest)
		}
	}
	return fmt.Errorf("%s", s)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
