// Package session drives the MCP protocol state machine for one server:
// handshake, capability negotiation, tool/resource discovery and caching,
// and server-initiated notification dispatch.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/fleet/protocol"
	"github.com/mcpfleet/fleet/rpc"
	"github.com/mcpfleet/fleet/transport"
	"github.com/mcpfleet/fleet/types"
)

// clientName/clientVersion identify this runtime in the initialize
// handshake's clientInfo.
const (
	clientName    = "mcpfleet"
	clientVersion = "0.1.0"
)

// Session is one live, per-server MCP connection: exactly one transport
// plus the correlator, caches, and notification dispatch that ride on it.
type Session struct {
	ID       string
	ServerID string
	CorrID   string // per-session correlation uuid, distinct from JSON-RPC ids; the session's log lines name ServerID only
	config   types.ServerConfig
	tr       transport.Transport
	corr     *rpc.Correlator
	logger   types.Logger

	mu            sync.Mutex
	state         State
	closing       bool
	initialized   bool
	capabilities  *protocol.ServerCapabilities
	serverInfo    protocol.Implementation
	toolCache     []protocol.Tool
	resourceCache []protocol.Resource

	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a Session for serverID around an already-constructed
// transport. The transport is connected (and caches populated) by Connect,
// not by New; construction is cheap and side-effect free.
func New(serverID string, config types.ServerConfig, tr transport.Transport, logger types.Logger) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		ServerID: serverID,
		CorrID:   uuid.NewString(),
		config:   config,
		tr:       tr,
		logger:   logger,
		state:    Disconnected,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	s.corr = rpc.New(serverID, tr, logger)
	return s
}

func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) Capabilities() *protocol.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChanged, From: from, To: to})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session[%s]: event channel full, dropping event", s.ServerID)
	}
}

// serverError wraps a response's error payload so callers can recover the
// code and message through errors.As rather than string inspection.
func serverError(p *protocol.ErrorPayload) error {
	return fmt.Errorf("ServerError: %w", &protocol.MCPError{ErrorPayload: *p})
}

func (s *Session) requestTimeout() time.Duration {
	if s.config.RequestTimeout > 0 {
		return s.config.RequestTimeout
	}
	return 30 * time.Second
}

// Connect drives Disconnected -> Connecting -> Handshaking -> Discovering ->
// Ready.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(Connecting)

	connectCtx := ctx
	if s.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.config.ConnectTimeout)
		defer cancel()
	}

	if err := s.tr.Connect(connectCtx); err != nil {
		s.setState(Error)
		return fmt.Errorf("TransportError: %w", err)
	}

	go s.readLoop()

	s.setState(Handshaking)
	if err := s.handshake(ctx); err != nil {
		s.setState(Error)
		_ = s.tr.Disconnect(context.Background())
		s.closeDone()
		return err
	}

	s.setState(Discovering)
	s.discover(ctx)

	s.setState(Ready)
	return nil
}

// handshake sends initialize, then notifications/initialized. The
// notification goes out only after the initialize response is observed and
// before any discovery request.
func (s *Session) handshake(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      protocol.Implementation{Name: clientName, Version: clientVersion},
		Capabilities:    protocol.ClientCapabilities{},
	}

	resp, err := s.corr.SendRequest(ctx, protocol.MethodInitialize, params, s.requestTimeout())
	if err != nil {
		return NewHandshakeError(err)
	}
	if resp.Error != nil {
		return NewHandshakeError(&protocol.MCPError{ErrorPayload: *resp.Error})
	}

	var result protocol.InitializeResult
	if err := protocol.UnmarshalPayload(resp.Result, &result); err != nil {
		return NewHandshakeError(fmt.Errorf("decoding initialize result: %w", err))
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.capabilities = &result.Capabilities
	s.mu.Unlock()

	note := protocol.NewNotification(protocol.MethodInitialized, nil)
	raw, err := rpc.EncodeNotification(note)
	if err != nil {
		return NewHandshakeError(err)
	}
	if err := s.tr.Send(ctx, raw); err != nil {
		return NewHandshakeError(fmt.Errorf("sending initialized notification: %w", err))
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// discover issues tools/list and resources/list in parallel; a failure in
// either is logged but non-fatal, leaving that cache empty for a later
// retry.
func (s *Session) discover(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if caps := s.Capabilities(); !caps.CanListTools() {
			return
		}
		tools, err := s.fetchTools(ctx)
		if err != nil {
			s.logger.Warn("session[%s]: tools/list during discovery failed: %v", s.ServerID, err)
			return
		}
		s.mu.Lock()
		s.toolCache = tools
		s.mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		if caps := s.Capabilities(); !caps.CanListResources() {
			return
		}
		resources, err := s.fetchResources(ctx)
		if err != nil {
			s.logger.Warn("session[%s]: resources/list during discovery failed: %v", s.ServerID, err)
			return
		}
		s.mu.Lock()
		s.resourceCache = resources
		s.mu.Unlock()
	}()

	wg.Wait()
}

// Disconnect tears down the transport and clears every cache, best-effort.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.tr.Disconnect(ctx)

	s.mu.Lock()
	s.initialized = false
	s.toolCache = nil
	s.resourceCache = nil
	s.mu.Unlock()

	s.corr.FailAll(&DisconnectError{})
	s.setState(Disconnected)
	s.closeDone()
	return err
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// ListTools returns the cached vector if non-empty, else fetches fresh.
func (s *Session) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	s.mu.Lock()
	cached := s.toolCache
	caps := s.capabilities
	s.mu.Unlock()

	if len(cached) > 0 {
		return cached, nil
	}
	if !caps.CanListTools() {
		return nil, NewNotCapableError("tools.list")
	}
	tools, err := s.fetchTools(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.toolCache = tools
	s.mu.Unlock()
	return tools, nil
}

func (s *Session) fetchTools(ctx context.Context) ([]protocol.Tool, error) {
	resp, err := s.corr.SendRequest(ctx, protocol.MethodListTools, nil, s.requestTimeout())
	if err != nil {
		return nil, fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return nil, serverError(resp.Error)
	}
	var result protocol.ListToolsResult
	if err := protocol.UnmarshalPayload(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	return result.Tools, nil
}

// ListResources returns the cached vector if non-empty, else fetches fresh.
func (s *Session) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	s.mu.Lock()
	cached := s.resourceCache
	caps := s.capabilities
	s.mu.Unlock()

	if len(cached) > 0 {
		return cached, nil
	}
	if !caps.CanListResources() {
		return nil, NewNotCapableError("resources.list")
	}
	resources, err := s.fetchResources(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.resourceCache = resources
	s.mu.Unlock()
	return resources, nil
}

func (s *Session) fetchResources(ctx context.Context) ([]protocol.Resource, error) {
	resp, err := s.corr.SendRequest(ctx, protocol.MethodListResources, nil, s.requestTimeout())
	if err != nil {
		return nil, fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return nil, serverError(resp.Error)
	}
	var result protocol.ListResourcesResult
	if err := protocol.UnmarshalPayload(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ExecuteTool rejects with ToolNotFound if name is absent from the tool
// cache (it must not round-trip unknown names to the server), validates
// arguments pre-flight, then dispatches tools/execute.
func (s *Session) ExecuteTool(ctx context.Context, name string, args interface{}) ([]protocol.Content, error) {
	s.mu.Lock()
	caps := s.capabilities
	var tool *protocol.Tool
	for i := range s.toolCache {
		if s.toolCache[i].Name == name {
			tool = &s.toolCache[i]
			break
		}
	}
	s.mu.Unlock()

	if !caps.CanExecuteTools() {
		return nil, NewNotCapableError("tools.execute")
	}
	if tool == nil {
		return nil, NewToolNotFoundError(name)
	}
	if err := ValidateArguments(name, tool.InputSchema, args); err != nil {
		return nil, err
	}

	params := protocol.ExecuteToolParams{Name: name, Arguments: args}
	resp, err := s.corr.SendRequest(ctx, protocol.MethodExecuteTool, params, s.requestTimeout())
	if err != nil {
		return nil, fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return nil, serverError(resp.Error)
	}

	var result protocol.ExecuteToolResult
	if err := protocol.UnmarshalPayload(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/execute result: %w", err)
	}
	if result.IsError {
		return nil, NewExecutionError(result.Content)
	}
	return result.Content, nil
}

// GetResource fetches the contents of uri.
func (s *Session) GetResource(ctx context.Context, uri string) ([]protocol.ResourceContents, error) {
	caps := s.Capabilities()
	if !caps.CanGetResources() {
		return nil, NewNotCapableError("resources.get")
	}

	resp, err := s.corr.SendRequest(ctx, protocol.MethodGetResource, protocol.GetResourceParams{URI: uri}, s.requestTimeout())
	if err != nil {
		return nil, fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return nil, serverError(resp.Error)
	}
	var result protocol.GetResourceResult
	if err := protocol.UnmarshalPayload(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding resources/get result: %w", err)
	}
	return result.Contents, nil
}

// Watch subscribes to update notifications for uri.
func (s *Session) Watch(ctx context.Context, uri string) error {
	caps := s.Capabilities()
	if !caps.CanWatchResources() {
		return NewNotCapableError("resources.watch")
	}
	resp, err := s.corr.SendRequest(ctx, protocol.MethodWatchResource, protocol.WatchResourceParams{URI: uri}, s.requestTimeout())
	if err != nil {
		return fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return serverError(resp.Error)
	}
	return nil
}

// Unwatch cancels a prior Watch.
func (s *Session) Unwatch(ctx context.Context, uri string) error {
	resp, err := s.corr.SendRequest(ctx, protocol.MethodUnwatchResource, protocol.WatchResourceParams{URI: uri}, s.requestTimeout())
	if err != nil {
		return fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return serverError(resp.Error)
	}
	return nil
}

// ListPrompts fetches the server's prompt templates, mirroring
// ListResources.
func (s *Session) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	caps := s.Capabilities()
	if caps == nil || caps.Prompts == nil || !caps.Prompts.List {
		return nil, NewNotCapableError("prompts.list")
	}
	resp, err := s.corr.SendRequest(ctx, protocol.MethodListPrompts, nil, s.requestTimeout())
	if err != nil {
		return nil, fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return nil, serverError(resp.Error)
	}
	var result protocol.ListPromptsResult
	if err := protocol.UnmarshalPayload(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*protocol.GetPromptResult, error) {
	caps := s.Capabilities()
	if caps == nil || caps.Prompts == nil || !caps.Prompts.Get {
		return nil, NewNotCapableError("prompts.get")
	}
	resp, err := s.corr.SendRequest(ctx, protocol.MethodGetPrompt, protocol.GetPromptParams{Name: name, Arguments: args}, s.requestTimeout())
	if err != nil {
		return nil, fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return nil, serverError(resp.Error)
	}
	var result protocol.GetPromptResult
	if err := protocol.UnmarshalPayload(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding prompts/get result: %w", err)
	}
	return &result, nil
}

// Subscribe returns a channel fed every server notification for method;
// Unsubscribe stops delivery. Notifications for methods other than
// notifications/log, notifications/resources/updated and
// notifications/tools/progress also surface on the session's Events stream
// as EventNotification, whether or not they have a subscriber.
func (s *Session) Subscribe(method string) chan rpc.Notification {
	return s.corr.Subscribe(method)
}

func (s *Session) Unsubscribe(method string, ch chan rpc.Notification) {
	s.corr.Unsubscribe(method, ch)
}

// SetLogLevel asks the server to raise or lower the severity floor of its
// notifications/log stream.
func (s *Session) SetLogLevel(ctx context.Context, level string) error {
	caps := s.Capabilities()
	if caps == nil || !caps.Logging {
		return NewNotCapableError("logging")
	}
	resp, err := s.corr.SendRequest(ctx, protocol.MethodLoggingSetLevel, protocol.SetLevelParams{Level: level}, s.requestTimeout())
	if err != nil {
		return fmt.Errorf("TransportError: %w", err)
	}
	if resp.Error != nil {
		return serverError(resp.Error)
	}
	return nil
}

// Ping coalesces any error to false.
func (s *Session) Ping(ctx context.Context) bool {
	resp, err := s.corr.SendRequest(ctx, protocol.MethodPing, nil, s.requestTimeout())
	if err != nil || resp.Error != nil {
		return false
	}
	return true
}

// Refresh re-runs discovery; NotConnected if the session is not Ready.
func (s *Session) Refresh(ctx context.Context) error {
	if s.State() != Ready {
		return ErrNotConnected
	}
	s.discover(ctx)
	return nil
}

// readLoop drains the transport's event channel for the session's
// lifetime, routing Message events into the correlator and dispatching
// server-initiated notifications; StateChanged/Error events from the
// transport surface as session lifecycle events and, on an unexpected
// drop while Ready, fail every pending request and clear caches.
func (s *Session) readLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.tr.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventMessage:
				s.handleRaw(ev.Raw)
			case transport.EventError:
				s.emit(Event{Kind: EventError, Err: ev.Err})
				switch ev.ErrKind {
				case "ProcessExited":
					s.onTransportLost(fmt.Errorf("%w: %v", ErrProcessExited, ev.Err))
				case "SpawnFailed":
					s.onTransportLost(fmt.Errorf("%w: %v", ErrSpawnFailed, ev.Err))
				case "UnexpectedClose":
					// The websocket transport may still reconnect; fail the
					// in-flight requests but let the transport's state events
					// decide whether the session is truly dead.
					s.failPending(ev.Err)
				}
			case transport.EventStateChanged:
				if ev.To == transport.Error || ev.To == transport.Disconnected {
					s.onTransportLost(fmt.Errorf("transport state changed to %s", ev.To))
				}
				if ev.To == transport.Connected && ev.From == transport.Reconnecting {
					go s.rehandshakeAfterReconnect()
				}
			}
		}
	}
}

// rehandshakeAfterReconnect re-runs the handshake+discovery sequence after
// the websocket transport's own backoff loop has silently re-dialed,
// since the new socket is a fresh MCP connection requiring its own
// initialize exchange.
func (s *Session) rehandshakeAfterReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
	defer cancel()

	s.setState(Handshaking)
	if err := s.handshake(ctx); err != nil {
		s.logger.Error("session[%s]: re-handshake after reconnect failed: %v", s.ServerID, err)
		s.setState(Error)
		return
	}
	s.setState(Discovering)
	s.discover(ctx)
	s.setState(Ready)
}

// failPending clears caches and fails every in-flight request without
// declaring the session terminal; used while the transport is mid-reconnect.
func (s *Session) failPending(cause error) {
	s.mu.Lock()
	s.initialized = false
	s.toolCache = nil
	s.resourceCache = nil
	s.mu.Unlock()
	s.corr.FailAll(&DisconnectError{Cause: cause})
}

func (s *Session) onTransportLost(cause error) {
	s.mu.Lock()
	already := s.closing || s.state == Disconnected || s.state == Error
	s.initialized = false
	s.toolCache = nil
	s.resourceCache = nil
	s.mu.Unlock()

	if already {
		return
	}

	s.corr.FailAll(&DisconnectError{Cause: cause})
	s.setState(Error)
	s.emit(Event{Kind: EventDisconnected, Err: cause})
}

func (s *Session) handleRaw(raw []byte) {
	if len(raw) == 0 {
		return
	}
	frame, err := rpc.DecodeFrame(raw)
	if err != nil || frame.Kind() == protocol.KindInvalid {
		s.logger.Warn("session[%s]: dropping malformed frame: %v", s.ServerID, err)
		return
	}

	switch frame.Kind() {
	case protocol.KindResponse:
		s.corr.Deliver(frame)
	case protocol.KindNotification:
		s.dispatchNotification(frame)
	default:
		s.logger.Warn("session[%s]: dropping unexpected request frame from server", s.ServerID)
	}
}

// dispatchNotification routes server-initiated notifications:
// notifications/log is forwarded to the logger, notifications/resources/
// updated triggers resource re-discovery, notifications/tools/progress is
// forwarded as a progress event. Unknown methods emit a generic
// notification event.
func (s *Session) dispatchNotification(frame protocol.Frame) {
	s.corr.Deliver(frame)

	switch frame.Method {
	case protocol.MethodNotifyLog:
		var params protocol.LogParams
		_ = protocol.UnmarshalPayload(frame.Params, &params)
		s.logger.Info("session[%s] server log: [%s] %s", s.ServerID, params.Level, params.Message)
		s.emit(Event{Kind: EventLog, LogParams: params})
	case protocol.MethodNotifyResourceUpdated:
		var params protocol.ResourceUpdatedParams
		_ = protocol.UnmarshalPayload(frame.Params, &params)
		s.emit(Event{Kind: EventResourcesUpdated, ResourceURI: params.URI})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout())
			defer cancel()
			if resources, err := s.fetchResources(ctx); err == nil {
				s.mu.Lock()
				s.resourceCache = resources
				s.mu.Unlock()
			}
		}()
	case protocol.MethodNotifyToolsProgress:
		var params protocol.ProgressParams
		_ = protocol.UnmarshalPayload(frame.Params, &params)
		s.emit(Event{Kind: EventProgress, ProgressParams: params})
	default:
		var params interface{}
		_ = protocol.UnmarshalPayload(frame.Params, &params)
		s.emit(Event{Kind: EventNotification, Method: frame.Method, Params: params})
	}
}
