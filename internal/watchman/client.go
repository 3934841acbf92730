// Package watchman is a client for the watchman file watching daemon. It
// speaks the BSER protocol over the daemon's unix socket, multiplexing one
// outstanding request with unsolicited subscription pushes.
package watchman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/listenupapp/fswatch/internal/bser"
	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

// SocketEnv is the environment variable that overrides socket discovery.
const SocketEnv = "WATCHMAN_SOCK"

// ErrClosed is returned by requests made on, or interrupted by, a closed or
// disconnected client.
var ErrClosed = errors.New("watchman: client closed")

// State is the protocol state of a Client.
type State int

// Client states.
const (
	StateDisconnected State = iota
	StateConnected
	StateAwaitingResponse
	StateStopped
)

// String returns a readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PushHandler receives unsolicited subscription messages. It runs on the
// client's reader goroutine and must not issue requests itself.
type PushHandler func(msg map[string]any)

type result struct {
	msg map[string]any
	err error
}

// Client is a connection to the daemon.
type Client struct {
	logger *slog.Logger
	conn   net.Conn
	enc    *bser.Encoder
	onPush PushHandler

	// reqMu admits one request at a time.
	reqMu sync.Mutex

	mu      sync.Mutex
	state   State
	pending chan result

	errs chan error
	done chan struct{}
}

// ResolveSocket returns the daemon's socket path from SocketEnv or, failing
// that, by asking the watchman binary.
func ResolveSocket(ctx context.Context) (string, error) {
	if sock := os.Getenv(SocketEnv); sock != "" {
		return sock, nil
	}

	out, err := exec.CommandContext(ctx, "watchman", "--output-encoding=bser", "get-sockname").Output()
	if err != nil {
		return "", fmt.Errorf("failed to execute watchman: %w", err)
	}
	v, err := bser.UnmarshalPDU(out)
	if err != nil {
		return "", err
	}
	obj, _ := v.(map[string]any)
	sock, _ := obj["sockname"].(string)
	if sock == "" {
		return "", domainerrors.Protocol("watchman: get-sockname returned no sockname")
	}
	return sock, nil
}

// Dial connects to the daemon at socketPath and starts the reader goroutine.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger, onPush PushHandler) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to watchman at %s: %w", socketPath, err)
	}
	return newClient(conn, logger, onPush), nil
}

func newClient(conn net.Conn, logger *slog.Logger, onPush PushHandler) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		logger: logger,
		conn:   conn,
		enc:    bser.NewEncoder(conn),
		onPush: onPush,
		state:  StateConnected,
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Errors delivers at most one fatal error: a read failure that loses the
// stream's framing. It is closed when the reader exits.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Request sends cmd as an array and waits for its response. A response
// carrying an "error" key is returned as an error.
func (c *Client) Request(ctx context.Context, cmd ...any) (map[string]any, error) {
	c.reqMu.Lock()

	ch := make(chan result, 1)
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateDisconnected {
		c.mu.Unlock()
		c.reqMu.Unlock()
		return nil, ErrClosed
	}
	c.pending = ch
	c.state = StateAwaitingResponse
	c.mu.Unlock()

	if err := c.enc.Encode(cmd); err != nil {
		c.finish(ch)
		c.reqMu.Unlock()
		return nil, err
	}

	select {
	case r := <-ch:
		c.finish(ch)
		c.reqMu.Unlock()
		return r.msg, r.err
	case <-c.done:
		c.finish(ch)
		c.reqMu.Unlock()
		return nil, ErrClosed
	case <-ctx.Done():
		// The response still arrives eventually; hold the request slot
		// until it does so it is not handed to the next caller.
		go func() {
			select {
			case <-ch:
			case <-c.done:
			}
			c.finish(ch)
			c.reqMu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

func (c *Client) finish(ch chan result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == ch {
		c.pending = nil
		if c.state == StateAwaitingResponse {
			c.state = StateConnected
		}
	}
}

// respond hands r to the outstanding request. It reports false when no
// request is waiting.
func (c *Client) respond(r result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return false
	}
	c.pending <- r
	c.pending = nil
	if c.state == StateAwaitingResponse {
		c.state = StateConnected
	}
	return true
}

func (c *Client) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStopped
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.errs)

	dec := bser.NewDecoder(c.conn)
	for {
		v, err := dec.Decode()
		if err != nil {
			if c.stopped() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			var payloadErr *bser.PayloadError
			if errors.As(err, &payloadErr) {
				if !c.respond(result{err: fmt.Errorf("watchman: read: %w", err)}) {
					c.logger.Warn("undecodable watchman message", "error", err)
				}
				continue
			}
			// The frame is lost, so nothing further can be read.
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
			c.respond(result{err: fmt.Errorf("watchman: read: %w", err)})
			c.errs <- fmt.Errorf("watchman: connection lost: %w", err)
			return
		}

		msg, ok := v.(map[string]any)
		if !ok {
			if !c.respond(result{err: domainerrors.Protocolf("watchman: unexpected %T message", v)}) {
				c.logger.Warn("unexpected watchman message", "type", fmt.Sprintf("%T", v))
			}
			continue
		}

		if e, ok := msg["error"]; ok {
			err := fmt.Errorf("watchman: %v", e)
			if !c.respond(result{err: err}) {
				c.logger.Warn("unsolicited watchman error", "error", err)
			}
			continue
		}

		if _, ok := msg["subscription"]; ok {
			if c.onPush != nil {
				c.onPush(msg)
			}
			continue
		}

		if unilateral, _ := msg["unilateral"].(bool); unilateral {
			c.logger.Debug("ignoring unilateral watchman message")
			continue
		}

		if !c.respond(result{msg: msg}) {
			c.logger.Debug("dropping watchman response with no request")
		}
	}
}

// Close stops the client, fails any outstanding request, and waits for the
// reader to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.state = StateStopped
	c.mu.Unlock()

	err := c.conn.Close()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("watchman reader did not exit")
	}
	return err
}
