package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/yllada/tunneld/common"
	"github.com/yllada/tunneld/vpn"
)

// Client calls a daemon over its control socket. Each call uses its own
// connection.
type Client struct {
	path        string
	dialTimeout time.Duration
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, dialTimeout: common.ControlTimeout}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.path, err)
	}
	return conn, nil
}

// open sends req and reads the first response. The connection is closed
// when ctx is done.
func (c *Client) open(ctx context.Context, req Request) (net.Conn, *bufio.Reader, Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, Response{}, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	fail := func(err error) (net.Conn, *bufio.Reader, Response, error) {
		stop()
		conn.Close()
		if ctx.Err() != nil {
			return nil, nil, Response{}, ctx.Err()
		}
		return nil, nil, Response{}, err
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fail(fmt.Errorf("failed to send request: %w", err))
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return fail(fmt.Errorf("failed to read response: %w", err))
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fail(fmt.Errorf("malformed response: %w", err))
	}
	if !resp.OK {
		return fail(decodeError(resp.Error))
	}
	return conn, reader, resp, nil
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	conn, _, resp, err := c.open(ctx, req)
	if err != nil {
		return resp, err
	}
	conn.Close()
	return resp, nil
}

// PrepareConfig stores a config in the daemon without starting.
func (c *Client) PrepareConfig(ctx context.Context, payload []byte, source string) error {
	_, err := c.call(ctx, Request{Op: OpPrepare, Config: payload, SourcePath: source})
	return err
}

// Start starts the tunnel. An empty payload starts from the daemon's cached
// config. It waits for the attempt to resolve, including any consent prompt.
func (c *Client) Start(ctx context.Context, mode string, payload []byte, source string) (vpn.StartResult, error) {
	resp, err := c.call(ctx, Request{Op: OpStart, Mode: mode, Config: payload, SourcePath: source})
	if err != nil {
		return "", err
	}
	return vpn.StartResult(resp.Result), nil
}

// Stop stops the tunnel and waits until it is stopped.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.call(ctx, Request{Op: OpStop})
	return err
}

// Status returns the daemon's current state.
func (c *Client) Status(ctx context.Context) (vpn.State, error) {
	resp, err := c.call(ctx, Request{Op: OpStatus})
	if err != nil {
		return vpn.State{}, err
	}
	if resp.Status == nil {
		return vpn.State{}, errors.New("response carries no status")
	}
	return *resp.Status, nil
}

// AnswerPermission resolves a pending consent prompt by token.
func (c *Client) AnswerPermission(ctx context.Context, token string, granted bool) error {
	_, err := c.call(ctx, Request{Op: OpAnswer, Token: token, Granted: granted})
	return err
}

// Revoke forgets held consent and stops a running tunnel.
func (c *Client) Revoke(ctx context.Context) error {
	_, err := c.call(ctx, Request{Op: OpRevoke})
	return err
}

// WatchStatus calls fn for the current state and every later transition.
// It returns nil when the daemon ends the stream and ctx.Err() when ctx ends.
func (c *Client) WatchStatus(ctx context.Context, fn func(vpn.State)) error {
	return c.watch(ctx, OpWatchStatus, func(ev Event) {
		if ev.Status != nil {
			fn(*ev.Status)
		}
	})
}

// WatchLogs calls fn for every engine log line emitted from now on.
func (c *Client) WatchLogs(ctx context.Context, fn func(string)) error {
	return c.watch(ctx, OpWatchLogs, func(ev Event) {
		if ev.Log != nil {
			fn(*ev.Log)
		}
	})
}

func (c *Client) watch(ctx context.Context, op string, fn func(Event)) error {
	conn, reader, _, err := c.open(ctx, Request{Op: op})
	if err != nil {
		return err
	}
	defer conn.Close()

	dec := json.NewDecoder(reader)
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("watch stream broken: %w", err)
		}
		fn(ev)
	}
}
