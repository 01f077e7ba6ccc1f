// Package websocket implements the full-duplex WebSocket transport variant:
// dial, text-frame send/receive, a ping/pong heartbeat, and exponential
// backoff reconnection on unexpected close while Connected. Fragmented
// frames are not supported.
package websocket

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mcpfleet/fleet/backoff"
	"github.com/mcpfleet/fleet/logx"
	"github.com/mcpfleet/fleet/transport"
	"github.com/mcpfleet/fleet/types"
)

// Transport owns exactly one client-side WebSocket connection.
type Transport struct {
	serverID string
	url      string
	opts     transport.Options
	logger   types.Logger
	backoff  backoff.Strategy

	mu       sync.Mutex
	conn     net.Conn
	state    transport.State
	closed   bool
	stopHB   context.CancelFunc
	readDone chan struct{}

	// writeMu serializes frame writes: user sends, heartbeat pings, and the
	// close frame must not interleave at the frame level.
	writeMu sync.Mutex

	// lastPong is the UnixNano timestamp of the most recent pong observed by
	// the read loop, consulted by the heartbeat to declare the peer dead.
	lastPong atomic.Int64

	events chan transport.Event
}

var _ transport.Transport = (*Transport)(nil)

// New builds a WebSocket transport for serverID dialing opts.BaseURL
// (a ws:// or wss:// URL).
func New(serverID string, opts transport.Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = transport.DefaultOptions().MaxRetries
	}
	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = transport.DefaultOptions().RetryDelay
	}
	return &Transport{
		serverID: serverID,
		url:      opts.BaseURL,
		opts:     opts,
		logger:   logger,
		backoff:  backoff.NewExponential(retryDelay, 0, maxRetries),
		state:    transport.Disconnected,
		events:   make(chan transport.Event, 64),
	}
}

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(from, to transport.State) {
	t.mu.Lock()
	t.state = to
	t.mu.Unlock()
	t.emit(transport.Event{Kind: transport.EventStateChanged, From: from, To: to})
}

func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("websocket[%s]: event channel full, dropping event", t.serverID)
	}
}

// Connect dials the configured URL with optional handshake headers, then
// starts the read loop and ping/pong heartbeat.
func (t *Transport) Connect(ctx context.Context) error {
	t.setState(transport.Disconnected, transport.Connecting)

	conn, err := t.dial(ctx)
	if err != nil {
		t.setState(transport.Connecting, transport.Error)
		t.emit(transport.Event{Kind: transport.EventError, ErrKind: "ConnectFailed", Err: err})
		return fmt.Errorf("ConnectFailed: %w", err)
	}

	t.startConn(conn)
	t.setState(transport.Connecting, transport.Connected)
	return nil
}

// startConn installs conn and launches its read loop and heartbeat.
func (t *Transport) startConn(conn net.Conn) {
	hbCtx, cancel := context.WithCancel(context.Background())
	readDone := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.stopHB = cancel
	t.readDone = readDone
	t.mu.Unlock()

	t.lastPong.Store(time.Now().UnixNano())
	go t.readLoop(conn, readDone)
	go t.heartbeat(hbCtx, conn)
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{Timeout: t.opts.ConnectTimeout}
	headers := map[string]string{}
	for k, v := range t.opts.Headers {
		headers[k] = v
	}
	if t.opts.Auth != nil {
		if err := t.opts.Auth.Apply(headers); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	if len(headers) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(toHTTPHeader(headers))
	}
	conn, _, _, err := dialer.Dial(ctx, t.url)
	return conn, err
}

func toHTTPHeader(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// Send writes frame as a single WebSocket text message.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return fmt.Errorf("websocket: not connected")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	}
	defer conn.SetWriteDeadline(time.Time{})

	if err := wsutil.WriteClientMessage(conn, ws.OpText, frame); err != nil {
		return fmt.Errorf("WriteFailed: %w", err)
	}
	return nil
}

// readLoop drains frames until the connection closes, recording pongs for
// the heartbeat and letting the control-frame handler answer server pings.
// On exit it either reconnects (unexpected close while Connected) or
// finishes quietly (local Disconnect).
func (t *Transport) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	rd := &wsutil.Reader{Source: conn, State: ws.StateClientSide}
	ctrl := wsutil.ControlFrameHandler(conn, ws.StateClientSide)

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			t.handleReadError(err)
			return
		}
		if hdr.OpCode.IsControl() {
			if hdr.OpCode == ws.OpPong {
				t.lastPong.Store(time.Now().UnixNano())
			}
			if err := ctrl(hdr, rd); err != nil {
				t.handleReadError(err)
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				t.handleReadError(err)
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			t.handleReadError(err)
			return
		}
		t.emit(transport.Event{Kind: transport.EventMessage, Raw: data})
	}
}

func (t *Transport) handleReadError(err error) {
	t.mu.Lock()
	wasConnected := t.state == transport.Connected
	alreadyClosed := t.closed
	stopHB := t.stopHB
	t.mu.Unlock()

	if stopHB != nil {
		stopHB()
	}
	if alreadyClosed || !wasConnected {
		return
	}

	t.emit(transport.Event{Kind: transport.EventError, ErrKind: "UnexpectedClose", Err: err})
	t.reconnect()
}

// reconnect re-dials with exponential backoff: attempt n waits
// RetryDelay * 2^(n-1) (with the backoff's ±10% jitter), up to MaxRetries;
// success resets the counter.
func (t *Transport) reconnect() {
	t.setState(transport.Connected, transport.Reconnecting)

	maxAttempts := t.backoff.MaxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := t.backoff.NextDelay(attempt)
		t.logger.Info("websocket[%s]: reconnect attempt %d in %s", t.serverID, attempt, delay)
		time.Sleep(delay)

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		conn, err := t.dial(context.Background())
		if err != nil {
			t.logger.Warn("websocket[%s]: reconnect attempt %d failed: %v", t.serverID, attempt, err)
			continue
		}

		t.startConn(conn)
		t.setState(transport.Reconnecting, transport.Connected)
		t.logger.Info("websocket[%s]: reconnected after %d attempt(s)", t.serverID, attempt)
		return
	}

	t.setState(transport.Reconnecting, transport.Error)
	t.emit(transport.Event{Kind: transport.EventError, ErrKind: "UnexpectedClose",
		Err: fmt.Errorf("reconnect failed after %d attempts", maxAttempts)})
}

// heartbeat sends a ping every PingInterval; if the read loop has not
// observed a pong within PongTimeout of the ping, the connection is declared
// dead and terminated (the read loop then surfaces UnexpectedClose).
func (t *Transport) heartbeat(ctx context.Context, conn net.Conn) {
	interval := t.opts.PingInterval
	if interval == 0 {
		interval = transport.DefaultOptions().PingInterval
	}
	timeout := t.opts.PongTimeout
	if timeout == 0 {
		timeout = transport.DefaultOptions().PongTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingAt := time.Now()
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(pingAt.Add(timeout))
			err := wsutil.WriteClientMessage(conn, ws.OpPing, nil)
			conn.SetWriteDeadline(time.Time{})
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Warn("websocket[%s]: ping failed: %v", t.serverID, err)
				_ = conn.Close()
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(timeout):
			}
			if time.Unix(0, t.lastPong.Load()).Before(pingAt) {
				t.logger.Warn("websocket[%s]: no pong within %s, terminating", t.serverID, timeout)
				_ = conn.Close()
				return
			}
		}
	}
}

// Disconnect sends a normal-closure close frame and waits up to 5s for the
// peer's close frame (observed by the read loop) before tearing down the
// socket.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	stopHB := t.stopHB
	readDone := t.readDone
	t.mu.Unlock()

	if stopHB != nil {
		stopHB()
	}
	if conn == nil {
		t.setState(t.State(), transport.Disconnected)
		return nil
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	closePayload := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteClientMessage(conn, ws.OpClose, closePayload)
	conn.SetWriteDeadline(time.Time{})
	t.writeMu.Unlock()

	if readDone != nil {
		select {
		case <-readDone:
		case <-time.After(5 * time.Second):
		}
	}

	_ = conn.Close()
	t.setState(t.State(), transport.Disconnected)
	return nil
}
