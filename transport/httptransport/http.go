// Package httptransport implements the request/response HTTP transport
// variant: POST-per-frame against "<base>/rpc", an optional GET "<base>/health"
// readiness probe, and an optional GET "<base>/events" server-sent-events
// source fed into the same event channel as RPC responses.
package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/mcpfleet/fleet/logx"
	"github.com/mcpfleet/fleet/protocol"
	"github.com/mcpfleet/fleet/transport"
	"github.com/mcpfleet/fleet/types"
)

// Readiness controls how the /health probe's response is interpreted.
type Readiness int

const (
	// ReadinessLenient treats 404 as "no readiness endpoint published",
	// and therefore reachable. This is the default: many servers never
	// publish /health.
	ReadinessLenient Readiness = iota
	// ReadinessStrict requires a 2xx from /health.
	ReadinessStrict
)

// Transport speaks JSON-RPC over HTTP POST, with optional SSE server push.
type Transport struct {
	serverID  string
	baseURL   string
	opts      transport.Options
	logger    types.Logger
	client    *http.Client
	sseClient *http.Client // no Timeout: the /events stream is long-lived
	readiness Readiness

	mu       sync.Mutex
	state    transport.State
	closed   bool
	cancelEv context.CancelFunc

	events chan transport.Event
}

var _ transport.Transport = (*Transport)(nil)

// New builds an HTTP transport for serverID against opts.BaseURL.
func New(serverID string, opts transport.Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = transport.DefaultOptions().RequestTimeout
	}
	return &Transport{
		serverID:  serverID,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		opts:      opts,
		logger:    logger,
		client:    &http.Client{Timeout: timeout},
		sseClient: &http.Client{},
		readiness: ReadinessLenient,
		state:     transport.Disconnected,
		events:    make(chan transport.Event, 64),
	}
}

// WithReadiness overrides the default lenient /health interpretation.
func (t *Transport) WithReadiness(r Readiness) *Transport {
	t.readiness = r
	return t
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
		t.logger.Warn("httptransport[%s]: event channel full, dropping event", t.serverID)
	}
}

// Connect probes <base>/health. Any 2xx or 404 is accepted as reachable
// under ReadinessLenient; only 2xx under ReadinessStrict.
func (t *Transport) Connect(ctx context.Context) error {
	t.setState(transport.Disconnected, transport.Connecting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		t.setState(transport.Connecting, transport.Error)
		return fmt.Errorf("ConnectFailed: %w", err)
	}
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		t.setState(transport.Connecting, transport.Error)
		t.emit(transport.Event{Kind: transport.EventError, ErrKind: "ConnectFailed", Err: err})
		return fmt.Errorf("ConnectFailed: %w", err)
	}
	resp.Body.Close()

	reachable := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !reachable && t.readiness == ReadinessLenient && resp.StatusCode == http.StatusNotFound {
		reachable = true
	}
	if !reachable {
		t.setState(transport.Connecting, transport.Error)
		err := fmt.Errorf("ConnectFailed: health probe returned %d", resp.StatusCode)
		t.emit(transport.Event{Kind: transport.EventError, ErrKind: "ConnectFailed", Err: err})
		return err
	}

	evCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelEv = cancel
	t.mu.Unlock()
	go t.subscribeEvents(evCtx)

	t.setState(transport.Connecting, transport.Connected)
	return nil
}

// Disconnect stops the SSE subscription, if any; HTTP has no persistent
// connection to tear down otherwise.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancelEv
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.setState(t.State(), transport.Disconnected)
	return nil
}

// Send POSTs frame to <base>/rpc. A batch (JSON array) is supported on the
// wire but this transport sends one frame per call.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/rpc", bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("WriteFailed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("WriteFailed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("WriteFailed: reading response: %w", err)
	}
	if len(body) == 0 {
		return nil
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "application/json") {
		return fmt.Errorf("WriteFailed: unexpected content-type %q", ct)
	}

	return t.deliverBody(body)
}

// deliverBody decodes either one frame or a batch-of-frames response body
// and emits an EventMessage per frame.
func (t *Transport) deliverBody(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return fmt.Errorf("WriteFailed: decoding batch: %w", err)
		}
		for _, r := range raws {
			t.emit(transport.Event{Kind: transport.EventMessage, Raw: r})
		}
		return nil
	}
	t.emit(transport.Event{Kind: transport.EventMessage, Raw: trimmed})
	return nil
}

func (t *Transport) applyHeaders(req *http.Request) {
	for k, v := range t.opts.Headers {
		req.Header.Set(k, v)
	}
	if t.opts.Auth != nil {
		hdrs := map[string]string{}
		if err := t.opts.Auth.Apply(hdrs); err != nil {
			t.logger.Warn("httptransport[%s]: auth provider failed: %v", t.serverID, err)
		}
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
	}
}

// subscribeEvents opens a GET <base>/events stream and feeds each
// "data: {...}" line into the event channel as a server-push notification.
// A server without this endpoint simply leaves the connection unused;
// failures here are logged, not fatal.
func (t *Transport) subscribeEvents(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/events", nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req)

	resp, err := t.sseClient.Do(req)
	if err != nil {
		t.logger.Debug("httptransport[%s]: no /events source: %v", t.serverID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("httptransport[%s]: /events returned %d, no server push", t.serverID, resp.StatusCode)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var probe protocol.Frame
		if err := json.Unmarshal([]byte(data), &probe); err != nil {
			t.logger.Warn("httptransport[%s]: malformed SSE event: %v", t.serverID, err)
			continue
		}
		t.emit(transport.Event{Kind: transport.EventMessage, Raw: []byte(data)})
	}
}
