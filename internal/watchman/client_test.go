package watchman

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/listenupapp/fswatch/internal/bser"
	domainerrors "github.com/listenupapp/fswatch/internal/errors"
)

// fakeDaemon is the server end of a pipe speaking BSER.
type fakeDaemon struct {
	t    *testing.T
	conn net.Conn
	dec  *bser.Decoder

	mu  sync.Mutex
	enc *bser.Encoder
}

func newPipe(t *testing.T, onPush PushHandler) (*Client, *fakeDaemon) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	c := newClient(clientConn, logger, onPush)
	d := &fakeDaemon{
		t:    t,
		conn: serverConn,
		dec:  bser.NewDecoder(serverConn),
		enc:  bser.NewEncoder(serverConn),
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = serverConn.Close()
	})
	return c, d
}

func (d *fakeDaemon) read() []any {
	v, err := d.dec.Decode()
	require.NoError(d.t, err)
	cmd, ok := v.([]any)
	require.True(d.t, ok, "command is %T", v)
	return cmd
}

func (d *fakeDaemon) send(msg map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NoError(d.t, d.enc.Encode(msg))
}

func TestClient_RequestResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, d := newPipe(t, nil)
	assert.Equal(t, StateConnected, c.State())

	go func() {
		cmd := d.read()
		assert.Equal(t, []any{"clock", "/root"}, cmd)
		d.send(map[string]any{"version": "2024.1.1", "clock": "c:1:2"})
	}()

	resp, err := c.Request(context.Background(), "clock", "/root")
	require.NoError(t, err)
	assert.Equal(t, "c:1:2", resp["clock"])
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Close())
	assert.Equal(t, StateStopped, c.State())
}

func TestClient_ErrorResponse(t *testing.T) {
	c, d := newPipe(t, nil)

	go func() {
		d.read()
		d.send(map[string]any{"error": "unable to resolve root /nope"})
	}()

	_, err := c.Request(context.Background(), "watch", "/nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to resolve root")
}

func TestClient_PushesAreDispatched(t *testing.T) {
	pushes := make(chan map[string]any, 4)
	c, d := newPipe(t, func(msg map[string]any) { pushes <- msg })

	go func() {
		d.read()
		// A push arriving ahead of the response is not mistaken for it.
		d.send(map[string]any{"subscription": "sub-1", "files": []any{}})
		d.send(map[string]any{"unilateral": true, "log": "noise"})
		d.send(map[string]any{"subscribe": "sub-1"})
	}()

	resp, err := c.Request(context.Background(), "subscribe", "/root", "sub-1", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", resp["subscribe"])

	select {
	case msg := <-pushes:
		assert.Equal(t, "sub-1", msg["subscription"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for push")
	}
	assert.Empty(t, pushes)
}

func TestClient_RequestsAreSerialized(t *testing.T) {
	c, d := newPipe(t, nil)

	go func() {
		for range 3 {
			cmd := d.read()
			d.send(map[string]any{"echo": cmd[1]})
		}
	}()

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Request(context.Background(), "echo", int64(i))
			assert.NoError(t, err)
			assert.Equal(t, int64(i), resp["echo"])
		}()
	}
	wg.Wait()
}

func TestClient_FramingErrorIsFatal(t *testing.T) {
	c, d := newPipe(t, nil)

	go func() {
		d.read()
		// Garbage instead of a PDU.
		_, _ = d.conn.Write([]byte{0x07, 0x07, 0x07})
	}()

	_, err := c.Request(context.Background(), "clock", "/root")
	require.Error(t, err)

	select {
	case err := <-c.Errors():
		require.Error(t, err)
		assert.ErrorIs(t, err, domainerrors.ErrProtocol)
		assert.Contains(t, err.Error(), "connection lost")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fatal error")
	}
	assert.Equal(t, StateDisconnected, c.State())

	_, err = c.Request(context.Background(), "clock", "/root")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_BadPayloadFailsOnlyPendingRequest(t *testing.T) {
	c, d := newPipe(t, nil)

	go func() {
		d.read()
		// A well-framed PDU holding an unknown tag.
		_, _ = d.conn.Write([]byte{0x00, 0x01, 0x03, 0x01, 0x42})
		d.read()
		d.send(map[string]any{"clock": "c:1:2"})
	}()

	_, err := c.Request(context.Background(), "clock", "/root")
	require.ErrorIs(t, err, domainerrors.ErrProtocol)

	resp, err := c.Request(context.Background(), "clock", "/root")
	require.NoError(t, err)
	assert.Equal(t, "c:1:2", resp["clock"])

	select {
	case err, ok := <-c.Errors():
		if ok {
			t.Fatalf("unexpected fatal error: %v", err)
		}
	default:
	}
}

func TestClient_ConnectionLossIsFatalWhenIdle(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, d := newPipe(t, nil)
	require.NoError(t, d.conn.Close())

	select {
	case err := <-c.Errors():
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection lost")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fatal error")
	}

	_, err := c.Request(context.Background(), "clock", "/root")
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close())
}

func TestClient_CloseUnblocksRequest(t *testing.T) {
	c, d := newPipe(t, nil)

	go func() { d.read() }()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "clock", "/root")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.State() == StateAwaitingResponse }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("request not released by Close")
	}
}

func TestClient_ContextCancelKeepsStreamAligned(t *testing.T) {
	c, d := newPipe(t, nil)

	release := make(chan struct{})
	go func() {
		d.read()
		<-release
		d.send(map[string]any{"n": int64(1)})
		d.read()
		d.send(map[string]any{"n": int64(2)})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, "first")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	resp, err := c.Request(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp["n"])
}

func TestResolveSocket_FromEnv(t *testing.T) {
	t.Setenv(SocketEnv, "/tmp/watchman.sock")

	sock, err := ResolveSocket(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/watchman.sock", sock)
}

func TestDial_UnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "wm.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close() //nolint:errcheck // Test cleanup

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck // Test cleanup
		dec := bser.NewDecoder(conn)
		if _, err := dec.Decode(); err != nil {
			return
		}
		_ = bser.NewEncoder(conn).Encode(map[string]any{"version": "test"})
		// Hold the connection until the client hangs up.
		_, _ = dec.Decode()
	}()

	c, err := Dial(context.Background(), sock, nil, nil)
	require.NoError(t, err)
	defer c.Close() //nolint:errcheck // Test cleanup

	resp, err := c.Request(context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "test", resp["version"])
}

func TestDial_NoDaemon(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(t.TempDir(), "absent.sock"), nil, nil)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "awaiting-response", StateAwaitingResponse.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
