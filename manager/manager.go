// Package manager implements the facade that fans calls out across a fleet
// of pooled MCP sessions: aggregate operations that tolerate per-server
// failure, and targeted operations that bubble errors verbatim to the
// caller.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mcpfleet/fleet/logx"
	"github.com/mcpfleet/fleet/pool"
	"github.com/mcpfleet/fleet/protocol"
	"github.com/mcpfleet/fleet/types"
)

// Event mirrors a pool.Event with a manager-assigned correlation id; every
// event carries at minimum {ServerID, Details}.
type Event struct {
	ID       string
	Kind     pool.EventKind
	ServerID string
	Details  interface{}
}

// Manager holds the current server set and fans operations out across
// pooled sessions.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]types.ServerConfig
	order   []string // insertion order, for findTool's deterministic scan
	pool    *pool.Pool
	logger  types.Logger
	events  chan Event
}

// New constructs a Manager over an existing Pool. The Manager does not own
// the pool's lifecycle; call pool.Shutdown separately.
func New(p *pool.Pool, logger types.Logger) *Manager {
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	m := &Manager{
		servers: make(map[string]types.ServerConfig),
		pool:    p,
		logger:  logger,
		events:  make(chan Event, 256),
	}
	go m.forwardPoolEvents()
	return m
}

func (m *Manager) forwardPoolEvents() {
	for ev := range m.pool.Events() {
		select {
		case m.events <- Event{ID: uuid.NewString(), Kind: ev.Kind, ServerID: ev.ServerID, Details: ev.Details}:
		default:
			m.logger.Warn("manager: event channel full, dropping %s for %s", ev.Kind, ev.ServerID)
		}
	}
}

// Events returns the manager's lifecycle event stream, decorating each
// pool.Event with a uuid-assigned correlation id.
func (m *Manager) Events() <-chan Event { return m.events }

// ErrServerExists is returned by RegisterServer for a duplicate id.
var ErrServerExists = fmt.Errorf("manager: server already registered")

// ErrUnknownServer is returned by any operation naming an unregistered id.
var ErrUnknownServer = fmt.Errorf("manager: unknown server")

// RegisterServer adds serverID to the known set. Duplicate ids are
// rejected; callers wanting to change a config must Unregister first.
func (m *Manager) RegisterServer(config types.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[config.ID]; exists {
		return fmt.Errorf("%w: %q", ErrServerExists, config.ID)
	}
	m.servers[config.ID] = config
	m.order = append(m.order, config.ID)
	return nil
}

// Unregister drops serverID from the known set and evicts its pooled
// session, if any, disconnecting it synchronously.
func (m *Manager) Unregister(ctx context.Context, serverID string) error {
	m.mu.Lock()
	if _, ok := m.servers[serverID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	delete(m.servers, serverID)
	for i, id := range m.order {
		if id == serverID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return m.pool.Evict(ctx, serverID)
}

// SyncServers replaces the known server set with configs, deduplicating by
// id (first occurrence wins, matching source precedence) and evicting
// pooled sessions for servers that disappeared from the set.
func (m *Manager) SyncServers(ctx context.Context, configs []types.ServerConfig) {
	m.mu.Lock()
	seen := make(map[string]types.ServerConfig, len(configs))
	order := make([]string, 0, len(configs))
	for _, cfg := range configs {
		if _, dup := seen[cfg.ID]; dup {
			m.logger.Warn("manager: duplicate server id %q ignored", cfg.ID)
			continue
		}
		seen[cfg.ID] = cfg
		order = append(order, cfg.ID)
	}
	var removed []string
	for id := range m.servers {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	m.servers = seen
	m.order = order
	m.mu.Unlock()

	for _, id := range removed {
		if err := m.pool.Evict(ctx, id); err != nil {
			m.logger.Warn("manager: evicting removed server %s: %v", id, err)
		}
	}
}

// ListServers returns known server ids in registration order.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) config(serverID string) (types.ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.servers[serverID]
	return cfg, ok
}

// isMethodUnavailableError treats a server's MethodNotFound-flavored
// rejection of an optional capability as "nothing to report" rather than a
// hard aggregate-op failure. The wire error message is free text, not a
// typed sentinel, so this is a string sniff.
func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !strings.Contains(lower, "method not found") &&
		!strings.Contains(lower, "not supported") &&
		!strings.Contains(lower, "unimplemented") {
		return false
	}
	for _, part := range strings.FieldsFunc(strings.ToLower(method), func(r rune) bool {
		return r == '/' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// FindTool scans known servers in insertion order, acquiring each in turn
// and asking for its tool list, until name is found. Per-server errors are
// logged, not propagated.
func (m *Manager) FindTool(ctx context.Context, name string) (serverID string, tool protocol.Tool, found bool) {
	for _, id := range m.ListServers() {
		cfg, ok := m.config(id)
		if !ok {
			continue
		}
		sess, err := m.pool.Acquire(ctx, id, cfg)
		if err != nil {
			m.logger.Warn("manager: findTool: acquire %s: %v", id, err)
			continue
		}
		tools, err := sess.ListTools(ctx)
		m.pool.Release(id)
		if err != nil {
			if !isMethodUnavailableError(err, "tools/list") {
				m.logger.Warn("manager: findTool: listTools %s: %v", id, err)
			}
			continue
		}
		for _, t := range tools {
			if t.Name == name {
				return id, t, true
			}
		}
	}
	return "", protocol.Tool{}, false
}

// ListAllTools fans out tools/list across every known server concurrently,
// returning partial results; per-server failures are logged only.
func (m *Manager) ListAllTools(ctx context.Context) map[string][]protocol.Tool {
	ids := m.ListServers()
	results := make(map[string][]protocol.Tool, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		cfg, ok := m.config(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, cfg types.ServerConfig) {
			defer wg.Done()
			sess, err := m.pool.Acquire(ctx, id, cfg)
			if err != nil {
				m.logger.Warn("manager: listAllTools: acquire %s: %v", id, err)
				return
			}
			tools, err := sess.ListTools(ctx)
			m.pool.Release(id)
			if err != nil {
				if !isMethodUnavailableError(err, "tools/list") {
					m.logger.Warn("manager: listAllTools: %s: %v", id, err)
				}
				return
			}
			mu.Lock()
			results[id] = tools
			mu.Unlock()
		}(id, cfg)
	}
	wg.Wait()
	return results
}

// ListAllResources fans out resources/list. When serverID is non-empty it
// targets just that server (still returning the map shape, for a uniform
// caller-side contract); empty fans out across every known server.
func (m *Manager) ListAllResources(ctx context.Context, serverID string) map[string][]protocol.Resource {
	ids := m.ListServers()
	if serverID != "" {
		ids = []string{serverID}
	}
	results := make(map[string][]protocol.Resource, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		cfg, ok := m.config(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, cfg types.ServerConfig) {
			defer wg.Done()
			sess, err := m.pool.Acquire(ctx, id, cfg)
			if err != nil {
				m.logger.Warn("manager: listAllResources: acquire %s: %v", id, err)
				return
			}
			resources, err := sess.ListResources(ctx)
			m.pool.Release(id)
			if err != nil {
				if !isMethodUnavailableError(err, "resources/list") {
					m.logger.Warn("manager: listAllResources: %s: %v", id, err)
				}
				return
			}
			mu.Lock()
			results[id] = resources
			mu.Unlock()
		}(id, cfg)
	}
	wg.Wait()
	return results
}

// ListAllPrompts mirrors ListAllResources for the prompts surface.
func (m *Manager) ListAllPrompts(ctx context.Context) map[string][]protocol.Prompt {
	ids := m.ListServers()
	results := make(map[string][]protocol.Prompt, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		cfg, ok := m.config(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id string, cfg types.ServerConfig) {
			defer wg.Done()
			sess, err := m.pool.Acquire(ctx, id, cfg)
			if err != nil {
				m.logger.Warn("manager: listAllPrompts: acquire %s: %v", id, err)
				return
			}
			prompts, err := sess.ListPrompts(ctx)
			m.pool.Release(id)
			if err != nil {
				if !isMethodUnavailableError(err, "prompts/list") {
					m.logger.Warn("manager: listAllPrompts: %s: %v", id, err)
				}
				return
			}
			mu.Lock()
			results[id] = prompts
			mu.Unlock()
		}(id, cfg)
	}
	wg.Wait()
	return results
}

// ExecuteTool is a targeted operation: rejects an unknown serverID, else
// acquire → execute → release (release runs even on error), bubbling the
// error verbatim.
func (m *Manager) ExecuteTool(ctx context.Context, serverID, name string, args interface{}) ([]protocol.Content, error) {
	cfg, ok := m.config(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	sess, err := m.pool.Acquire(ctx, serverID, cfg)
	if err != nil {
		return nil, err
	}
	defer m.pool.Release(serverID)
	return sess.ExecuteTool(ctx, name, args)
}

// GetResource is a targeted operation mirroring ExecuteTool.
func (m *Manager) GetResource(ctx context.Context, serverID, uri string) ([]protocol.ResourceContents, error) {
	cfg, ok := m.config(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	sess, err := m.pool.Acquire(ctx, serverID, cfg)
	if err != nil {
		return nil, err
	}
	defer m.pool.Release(serverID)
	return sess.GetResource(ctx, uri)
}

// GetPrompt is a targeted operation mirroring GetResource.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name string, args map[string]interface{}) (*protocol.GetPromptResult, error) {
	cfg, ok := m.config(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	sess, err := m.pool.Acquire(ctx, serverID, cfg)
	if err != nil {
		return nil, err
	}
	defer m.pool.Release(serverID)
	return sess.GetPrompt(ctx, name, args)
}

// TestConnection acquires, pings, releases, coalescing any failure to
// false.
func (m *Manager) TestConnection(ctx context.Context, serverID string) bool {
	cfg, ok := m.config(serverID)
	if !ok {
		return false
	}
	sess, err := m.pool.Acquire(ctx, serverID, cfg)
	if err != nil {
		return false
	}
	defer m.pool.Release(serverID)
	return sess.Ping(ctx)
}
