// Package pool implements the fleet-capped connection pool that multiplexes
// request-scoped acquisitions over a bounded set of sessions: cache hits,
// join-in-flight connects, idle eviction, use-count renewal, and LRU
// eviction under the fleet cap.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/fleet/logx"
	"github.com/mcpfleet/fleet/session"
	"github.com/mcpfleet/fleet/types"
)

// EventKind names a pool lifecycle event.
type EventKind string

const (
	EventConnectionCreated     EventKind = "connectionCreated"
	EventConnectionLost        EventKind = "connectionLost"
	EventConnectionError       EventKind = "connectionError"
	EventConnectionInitialized EventKind = "connectionInitialized"
	EventConnectionRenewed     EventKind = "connectionRenewed"
	EventConnectionClosed      EventKind = "connectionClosed"
	EventRenewalFailed         EventKind = "renewalFailed"
	EventCleanupError          EventKind = "cleanupError"
)

// Event is the pool's lifecycle notification, carrying at minimum
// {ServerID, Details}.
type Event struct {
	Kind     EventKind
	ServerID string
	EntryID  string
	Details  interface{}
}

// Options configures pool-wide caps.
type Options struct {
	MaxConnections int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxUseCount    int
	Logger         types.Logger

	// DrainBeforeRenewal forces a renewal to wait until the old entry is
	// released before dialing its replacement. The zero value allows the
	// replacement to dial concurrently with the old entry still serving
	// calls, swapping in only once Ready; set it for servers that cannot
	// tolerate a brief double connection.
	DrainBeforeRenewal bool
}

func DefaultOptions() Options {
	return Options{
		MaxConnections: 10,
		ConnectTimeout: 30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxUseCount:    1000,
	}
}

type entry struct {
	id       string
	serverID string
	sess     *session.Session
	config   types.ServerConfig
	lastUsed time.Time
	inUse    bool
	useCount int
	lruElem  *list.Element
	renewing bool
}

type inFlight struct {
	ch  chan struct{}
	err error
}

// Pool is the fleet-capped cache of sessions keyed by server id.
type Pool struct {
	opts   Options
	logger types.Logger

	mu         sync.Mutex
	entries    map[string]*entry
	connecting map[string]*inFlight
	lru        *list.List // front = most recently used server id
	disposed   bool

	events   chan Event
	stopIdle chan struct{}

	// newSession is the entry point that turns a ServerConfig into a
	// connected-on-demand session.Session. It is a seam for tests to
	// substitute an in-memory transport; production callers never set it.
	newSession func(types.ServerConfig, types.Logger) (*session.Session, error)
}

// New constructs a Pool and starts its background idle-eviction tick.
func New(opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultOptions().MaxConnections
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions().IdleTimeout
	}
	if opts.MaxUseCount <= 0 {
		opts.MaxUseCount = DefaultOptions().MaxUseCount
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	p := &Pool{
		opts:       opts,
		logger:     logger,
		entries:    make(map[string]*entry),
		connecting: make(map[string]*inFlight),
		lru:        list.New(),
		events:     make(chan Event, 256),
		stopIdle:   make(chan struct{}),
		newSession: newSession,
	}
	go p.idleEvictLoop()
	return p
}

// NewWithFactory is New with an injectable session factory, for embedders
// (and tests) substituting an in-memory transport instead of dialing a
// real stdio/http/websocket endpoint. Production callers should use New.
func NewWithFactory(opts Options, factory func(types.ServerConfig, types.Logger) (*session.Session, error)) *Pool {
	p := New(opts)
	p.newSession = factory
	return p
}

// Events returns the pool's lifecycle event stream. Consumers should drain
// it; the channel is buffered but emit() drops on overflow rather than
// block a caller's acquire/release path.
func (p *Pool) Events() <-chan Event { return p.events }

func (p *Pool) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("pool: event channel full, dropping %s for %s", ev.Kind, ev.ServerID)
	}
}

// Acquire returns serverID's cached session, joins an in-flight connect, or
// opens a new session, enforcing the fleet cap with LRU eviction on a
// freshly opened entry.
func (p *Pool) Acquire(ctx context.Context, serverID string, config types.ServerConfig) (*session.Session, error) {
	for {
		p.mu.Lock()
		if p.disposed {
			p.mu.Unlock()
			return nil, ErrDisposed
		}

		if e, ok := p.entries[serverID]; ok && e.sess.State() == session.Ready {
			e.lastUsed = time.Now()
			e.inUse = true
			e.useCount++
			p.lru.MoveToFront(e.lruElem)
			needRenew := e.useCount > p.opts.MaxUseCount && !e.renewing
			if needRenew {
				e.renewing = true
			}
			sess := e.sess
			p.mu.Unlock()
			if needRenew {
				go p.renew(serverID)
			}
			return sess, nil
		}

		if in, ok := p.connecting[serverID]; ok {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-in.ch:
				continue
			}
		}

		in := &inFlight{ch: make(chan struct{})}
		p.connecting[serverID] = in
		p.mu.Unlock()

		sess, err := p.newSession(config, p.logger)
		if err == nil {
			connectCtx := ctx
			timeout := config.ConnectTimeout
			if timeout <= 0 {
				timeout = p.opts.ConnectTimeout
			}
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, timeout)
			err = sess.Connect(connectCtx)
			cancel()
		}

		p.mu.Lock()
		delete(p.connecting, serverID)
		in.err = err
		close(in.ch)
		if err != nil {
			p.mu.Unlock()
			p.emit(Event{Kind: EventConnectionError, ServerID: serverID, Details: err})
			return nil, err
		}

		if stale, ok := p.entries[serverID]; ok {
			// The cached entry went un-Ready between the cache check and
			// this open completing; retire it in favor of the fresh session.
			p.lru.Remove(stale.lruElem)
			go p.disconnectEntry(stale, EventConnectionClosed)
		}
		e := &entry{
			id:       uuid.NewString(),
			serverID: serverID,
			sess:     sess,
			config:   config,
			lastUsed: time.Now(),
			inUse:    true,
			useCount: 1,
		}
		e.lruElem = p.lru.PushFront(serverID)
		p.entries[serverID] = e
		p.evictOverCapLocked()
		p.mu.Unlock()

		go p.watch(serverID, sess)
		p.logger.Info("pool: entry %s opened for server %s", e.id, serverID)
		p.emit(Event{Kind: EventConnectionCreated, ServerID: serverID, EntryID: e.id})
		p.emit(Event{Kind: EventConnectionInitialized, ServerID: serverID, EntryID: e.id})
		return sess, nil
	}
}

// evictOverCapLocked evicts not-in-use entries with the smallest lastUsed
// while the pool is over the fleet cap. Callers must hold p.mu.
func (p *Pool) evictOverCapLocked() {
	for len(p.entries) > p.opts.MaxConnections {
		victim := p.lruVictimLocked()
		if victim == "" {
			return // no evictable candidate: accept overage rather than block
		}
		e := p.entries[victim]
		delete(p.entries, victim)
		p.lru.Remove(e.lruElem)
		go p.disconnectEntry(e, EventConnectionClosed)
	}
}

// lruVictimLocked scans from the back of the LRU list (least recently used)
// for the first not-in-use entry. Callers must hold p.mu.
func (p *Pool) lruVictimLocked() string {
	for el := p.lru.Back(); el != nil; el = el.Prev() {
		id := el.Value.(string)
		if e, ok := p.entries[id]; ok && !e.inUse {
			return id
		}
	}
	return ""
}

func (p *Pool) disconnectEntry(e *entry, kind EventKind) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sess.Disconnect(ctx); err != nil {
		p.emit(Event{Kind: EventCleanupError, ServerID: e.serverID, EntryID: e.id, Details: err})
		return
	}
	p.emit(Event{Kind: kind, ServerID: e.serverID, EntryID: e.id})
}

// Release marks a session no longer in use and stamps its idle clock.
func (p *Pool) Release(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[serverID]; ok {
		e.inUse = false
		e.lastUsed = time.Now()
	}
}

// watch drops an entry from the pool the first time its session reports a
// terminal state transition.
func (p *Pool) watch(serverID string, sess *session.Session) {
	for ev := range sess.Events() {
		if ev.Kind == session.EventStateChanged && (ev.To == session.Disconnected || ev.To == session.Error) {
			p.drop(serverID, sess)
			p.emit(Event{Kind: EventConnectionLost, ServerID: serverID, Details: ev.Err})
			return
		}
	}
}

func (p *Pool) drop(serverID string, sess *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[serverID]
	if !ok || e.sess != sess {
		return
	}
	delete(p.entries, serverID)
	p.lru.Remove(e.lruElem)
}

// Evict disconnects and synchronously removes serverID's entry, for callers
// (e.g. a manager unregistering a server) that need immediate teardown
// rather than waiting on idle eviction or a failed health check.
func (p *Pool) Evict(ctx context.Context, serverID string) error {
	p.mu.Lock()
	e, ok := p.entries[serverID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, serverID)
	p.lru.Remove(e.lruElem)
	p.mu.Unlock()
	return e.sess.Disconnect(ctx)
}

// renew opens a replacement session for serverID; on success it disconnects
// and disposes the old one and swaps in the replacement with a zero use
// count; on failure it leaves the old entry in place and logs.
func (p *Pool) renew(serverID string) {
	if p.opts.DrainBeforeRenewal {
		for p.InUse(serverID) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	p.mu.Lock()
	e, ok := p.entries[serverID]
	if !ok {
		p.mu.Unlock()
		return
	}
	config := e.config
	old := e.sess
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
	defer cancel()

	fresh, err := p.newSession(config, p.logger)
	if err == nil {
		err = fresh.Connect(ctx)
	}

	p.mu.Lock()
	e, ok = p.entries[serverID]
	if !ok || e.sess != old {
		p.mu.Unlock()
		if err == nil {
			go func() { _ = fresh.Disconnect(context.Background()) }()
		}
		return
	}
	if err != nil {
		e.renewing = false
		p.mu.Unlock()
		p.logger.Warn("pool: renewal failed for %s: %v", serverID, err)
		p.emit(Event{Kind: EventRenewalFailed, ServerID: serverID, Details: err})
		return
	}
	e.sess = fresh
	e.useCount = 0
	e.renewing = false
	p.mu.Unlock()

	go p.watch(serverID, fresh)
	go func() { _ = old.Disconnect(context.Background()) }()
	p.emit(Event{Kind: EventConnectionRenewed, ServerID: serverID})
}

// idleEvictLoop scans for not-in-use entries idle past IdleTimeout every
// IdleTimeout/4.
func (p *Pool) idleEvictLoop() {
	interval := p.opts.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopIdle:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	now := time.Now()
	var stale []*entry
	p.mu.Lock()
	for id, e := range p.entries {
		if !e.inUse && now.Sub(e.lastUsed) > p.opts.IdleTimeout {
			stale = append(stale, e)
			delete(p.entries, id)
			p.lru.Remove(e.lruElem)
		}
	}
	p.mu.Unlock()

	for _, e := range stale {
		go p.disconnectEntry(e, EventConnectionClosed)
	}
}

// HealthCheck concurrently pings every pooled entry; any entry whose ping
// fails is disconnected and removed.
func (p *Pool) HealthCheck(ctx context.Context) map[string]bool {
	p.mu.Lock()
	snapshot := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		snapshot = append(snapshot, e)
	}
	p.mu.Unlock()

	result := make(map[string]bool, len(snapshot))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, e := range snapshot {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			ok := e.sess.Ping(ctx)
			mu.Lock()
			result[e.serverID] = ok
			mu.Unlock()
			if !ok {
				p.drop(e.serverID, e.sess)
				go p.disconnectEntry(e, EventConnectionClosed)
			}
		}(e)
	}
	wg.Wait()
	return result
}

// Len reports the number of pooled entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// InUse reports whether serverID's entry is currently marked in-use.
func (p *Pool) InUse(serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[serverID]
	return ok && e.inUse
}

// Shutdown marks the pool disposed, rejects new acquisitions, and
// disconnects all entries in parallel, ignoring individual errors.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	entries := make([]*entry, 0, len(p.entries))
	for id, e := range p.entries {
		entries = append(entries, e)
		delete(p.entries, id)
	}
	p.lru.Init()
	p.mu.Unlock()

	close(p.stopIdle)

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			if err := e.sess.Disconnect(ctx); err != nil {
				p.logger.Warn("pool: shutdown disconnect error for %s: %v", e.serverID, err)
			}
		}(e)
	}
	wg.Wait()
	return nil
}
