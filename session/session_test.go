package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/fleet/logx"
	"github.com/mcpfleet/fleet/protocol"
	"github.com/mcpfleet/fleet/transport"
	"github.com/mcpfleet/fleet/types"
)

// fakeTransport is an in-memory transport.Transport double that lets tests
// script server responses without a real process or socket.
type fakeTransport struct {
	state   transport.State
	events  chan transport.Event
	sent    [][]byte
	respond func(raw []byte, emit func(transport.Event))
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:  transport.Disconnected,
		events: make(chan transport.Event, 64),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.state = transport.Connected
	return nil
}
func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.state = transport.Disconnected
	return nil
}
func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.sent = append(f.sent, frame)
	if f.respond != nil {
		f.respond(frame, func(ev transport.Event) { f.events <- ev })
	}
	return nil
}
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }
func (f *fakeTransport) State() transport.State         { return f.state }

func frameMethod(raw []byte) (string, json.RawMessage) {
	var probe struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.Method, probe.ID
}

func echoTool() protocol.Tool {
	return protocol.Tool{
		Name: "echo",
		InputSchema: protocol.ToolInputSchema{
			Type:       "object",
			Properties: map[string]protocol.PropertyDetail{"text": {Type: "string"}},
			Required:   []string{"text"},
		},
	}
}

func happyPathResponder(raw []byte, emit func(transport.Event)) {
	method, id := frameMethod(raw)
	switch method {
	case protocol.MethodInitialize:
		result := protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			ServerInfo:      protocol.Implementation{Name: "x", Version: "1"},
			Capabilities: protocol.ServerCapabilities{
				Tools:     &protocol.ToolsCapability{List: true, Execute: true},
				Resources: &protocol.ResourcesCapability{List: true, Get: true},
			},
		}
		resp := protocol.NewSuccessResponse(json.RawMessage(id), result)
		b, _ := json.Marshal(resp)
		emit(transport.Event{Kind: transport.EventMessage, Raw: b})
	case protocol.MethodListTools:
		result := protocol.ListToolsResult{Tools: []protocol.Tool{echoTool()}}
		resp := protocol.NewSuccessResponse(json.RawMessage(id), result)
		b, _ := json.Marshal(resp)
		emit(transport.Event{Kind: transport.EventMessage, Raw: b})
	case protocol.MethodListResources:
		// simulate a server that fails resources/list: non-fatal.
		resp := protocol.NewErrorResponse(json.RawMessage(id), protocol.CodeMethodNotFound, "not supported", nil)
		b, _ := json.Marshal(resp)
		emit(transport.Event{Kind: transport.EventMessage, Raw: b})
	case protocol.MethodExecuteTool:
		result := protocol.ExecuteToolResult{Content: []protocol.Content{{Type: "text", Text: "hi"}}}
		resp := protocol.NewSuccessResponse(json.RawMessage(id), result)
		b, _ := json.Marshal(resp)
		emit(transport.Event{Kind: transport.EventMessage, Raw: b})
	}
}

func newReadySession(t *testing.T, respond func([]byte, func(transport.Event))) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	tr.respond = respond
	sess := New("server-1", types.ServerConfig{RequestTimeout: 2 * time.Second}, tr, logx.NewDiscardLogger())
	require.NoError(t, sess.Connect(context.Background()))
	require.Equal(t, Ready, sess.State())
	return sess, tr
}

func TestStdioHappyPath(t *testing.T) {
	sess, _ := newReadySession(t, happyPathResponder)
	defer sess.Disconnect(context.Background())

	content, err := sess.ExecuteTool(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, []protocol.Content{{Type: "text", Text: "hi"}}, content)
}

func TestExecuteToolMissingRequiredArgument(t *testing.T) {
	sess, tr := newReadySession(t, happyPathResponder)
	defer sess.Disconnect(context.Background())

	before := len(tr.sent)
	_, err := sess.ExecuteTool(context.Background(), "echo", map[string]interface{}{})
	require.Error(t, err)

	var schemaErr *ArgSchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Contains(t, schemaErr.Failures[0], "text")

	// No tools/execute frame should have been sent for invalid arguments.
	require.Equal(t, before, len(tr.sent))
}

func TestExecuteToolNotFoundNeverRoundTrips(t *testing.T) {
	sess, tr := newReadySession(t, happyPathResponder)
	defer sess.Disconnect(context.Background())

	before := len(tr.sent)
	_, err := sess.ExecuteTool(context.Background(), "nonexistent", map[string]interface{}{})
	require.Error(t, err)
	var notFound *ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, before, len(tr.sent))
}

func TestDiscoveryPartialFailureStillReachesReady(t *testing.T) {
	sess, _ := newReadySession(t, happyPathResponder)
	defer sess.Disconnect(context.Background())

	tools, err := sess.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
}

func TestTimeoutDropsLateResponse(t *testing.T) {
	tr := newFakeTransport()
	var holdID json.RawMessage
	tr.respond = func(raw []byte, emit func(transport.Event)) {
		method, id := frameMethod(raw)
		if method == protocol.MethodInitialize {
			happyPathResponder(raw, emit)
			return
		}
		if method == protocol.MethodExecuteTool {
			holdID = id // never reply in time
			return
		}
		happyPathResponder(raw, emit)
	}

	sess := New("server-1", types.ServerConfig{RequestTimeout: 50 * time.Millisecond}, tr, logx.NewDiscardLogger())
	require.NoError(t, sess.Connect(context.Background()))

	_, err := sess.ExecuteTool(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	require.Error(t, err)

	// A late response for the timed-out id must be dropped, not crash the
	// correlator or session.
	resp := protocol.NewSuccessResponse(json.RawMessage(holdID), protocol.ExecuteToolResult{})
	b, _ := json.Marshal(resp)
	tr.events <- transport.Event{Kind: transport.EventMessage, Raw: b}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, Ready, sess.State())
}

func TestNotCapableGating(t *testing.T) {
	tr := newFakeTransport()
	tr.respond = func(raw []byte, emit func(transport.Event)) {
		method, id := frameMethod(raw)
		if method == protocol.MethodInitialize {
			result := protocol.InitializeResult{
				ProtocolVersion: protocol.ProtocolVersion,
				ServerInfo:      protocol.Implementation{Name: "bare", Version: "1"},
				Capabilities:    protocol.ServerCapabilities{},
			}
			resp := protocol.NewSuccessResponse(json.RawMessage(id), result)
			b, _ := json.Marshal(resp)
			emit(transport.Event{Kind: transport.EventMessage, Raw: b})
		}
	}
	sess := New("bare", types.ServerConfig{RequestTimeout: 2 * time.Second}, tr, logx.NewDiscardLogger())
	require.NoError(t, sess.Connect(context.Background()))
	defer sess.Disconnect(context.Background())

	var notCapable *NotCapableError

	_, err := sess.ListTools(context.Background())
	require.ErrorAs(t, err, &notCapable)

	_, err = sess.ExecuteTool(context.Background(), "any", nil)
	require.ErrorAs(t, err, &notCapable)

	_, err = sess.GetResource(context.Background(), "file:///x")
	require.ErrorAs(t, err, &notCapable)

	err = sess.Watch(context.Background(), "file:///x")
	require.ErrorAs(t, err, &notCapable)

	err = sess.SetLogLevel(context.Background(), "debug")
	require.ErrorAs(t, err, &notCapable)
}

func TestResourceUpdatedNotificationRefreshesCache(t *testing.T) {
	var mu sync.Mutex
	listCalls := 0

	tr := newFakeTransport()
	tr.respond = func(raw []byte, emit func(transport.Event)) {
		method, id := frameMethod(raw)
		switch method {
		case protocol.MethodInitialize:
			result := protocol.InitializeResult{
				ProtocolVersion: protocol.ProtocolVersion,
				ServerInfo:      protocol.Implementation{Name: "x", Version: "1"},
				Capabilities: protocol.ServerCapabilities{
					Resources: &protocol.ResourcesCapability{List: true, Get: true, Watch: true},
				},
			}
			resp := protocol.NewSuccessResponse(json.RawMessage(id), result)
			b, _ := json.Marshal(resp)
			emit(transport.Event{Kind: transport.EventMessage, Raw: b})
		case protocol.MethodListResources:
			mu.Lock()
			listCalls++
			mu.Unlock()
			result := protocol.ListResourcesResult{Resources: []protocol.Resource{{URI: "file:///x"}}}
			resp := protocol.NewSuccessResponse(json.RawMessage(id), result)
			b, _ := json.Marshal(resp)
			emit(transport.Event{Kind: transport.EventMessage, Raw: b})
		}
	}

	sess := New("server-1", types.ServerConfig{RequestTimeout: 2 * time.Second}, tr, logx.NewDiscardLogger())
	require.NoError(t, sess.Connect(context.Background()))
	defer sess.Disconnect(context.Background())

	mu.Lock()
	afterDiscovery := listCalls
	mu.Unlock()
	require.Equal(t, 1, afterDiscovery)

	note := protocol.NewNotification(protocol.MethodNotifyResourceUpdated, protocol.ResourceUpdatedParams{URI: "file:///x"})
	b, _ := json.Marshal(note)
	tr.events <- transport.Event{Kind: transport.EventMessage, Raw: b}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return listCalls == 2
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownNotificationEmitsGenericEvent(t *testing.T) {
	sess, tr := newReadySession(t, happyPathResponder)
	defer sess.Disconnect(context.Background())

	note := protocol.NewNotification("vendor/custom", map[string]string{"k": "v"})
	b, _ := json.Marshal(note)
	tr.events <- transport.Event{Kind: transport.EventMessage, Raw: b}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if ev.Kind != EventNotification {
				continue
			}
			require.Equal(t, "vendor/custom", ev.Method)
			return
		case <-deadline:
			t.Fatal("generic notification event never surfaced")
		}
	}
}

func TestListToolsIsCachedAcrossCalls(t *testing.T) {
	sess, tr := newReadySession(t, happyPathResponder)
	defer sess.Disconnect(context.Background())

	_, err := sess.ListTools(context.Background())
	require.NoError(t, err)
	before := len(tr.sent)

	// A second ListTools on a Ready session serves from cache: no new frame.
	_, err = sess.ListTools(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, len(tr.sent))
}

func TestDisconnectFailsAllPending(t *testing.T) {
	tr := newFakeTransport()
	tr.respond = func(raw []byte, emit func(transport.Event)) {
		method, _ := frameMethod(raw)
		if method == protocol.MethodInitialize || method == protocol.MethodListTools || method == protocol.MethodListResources {
			happyPathResponder(raw, emit)
		}
		// tools/execute never answered
	}
	sess := New("server-1", types.ServerConfig{RequestTimeout: 5 * time.Second}, tr, logx.NewDiscardLogger())
	require.NoError(t, sess.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := sess.ExecuteTool(context.Background(), "echo", map[string]interface{}{"text": "hi"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sess.Disconnect(context.Background()))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(1 * time.Second):
		t.Fatal("pending executeTool was not failed by disconnect")
	}
	require.Equal(t, 0, sess.corr.PendingCount())
}
