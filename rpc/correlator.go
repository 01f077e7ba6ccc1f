// Package rpc implements JSON-RPC 2.0 request/response correlation over a
// transport.Transport: assigning request ids, parking callers awaiting a
// matching response, enforcing per-request timeouts, and fanning out
// notifications to method-keyed subscribers.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpfleet/fleet/protocol"
	"github.com/mcpfleet/fleet/types"
)

// outcome is what a parked caller receives: exactly one of a decoded
// response or a typed failure (disconnect, transport loss). Carrying the
// error itself, rather than a synthesized error frame, keeps the caller's
// errors.Is/errors.As chain intact.
type outcome struct {
	resp *protocol.JSONRPCResponse
	err  error
}

// pending is one request awaiting an outcome.
type pending struct {
	ch   chan outcome
	once sync.Once
}

func (p *pending) deliver(resp *protocol.JSONRPCResponse) {
	p.once.Do(func() { p.ch <- outcome{resp: resp} })
}

func (p *pending) fail(err error) {
	p.once.Do(func() { p.ch <- outcome{err: err} })
}

// Notification is a server-initiated message with no id, delivered to
// method-keyed subscribers plus a catch-all stream for unknown methods.
type Notification struct {
	Method string
	Params interface{}
}

// Correlator owns the pending-request table and notification fan-out for
// one session's wire. It does not own the transport; Sender is injected so
// the correlator never reaches back into transport internals.
type Correlator struct {
	serverID string
	sender   Sender
	logger   types.Logger

	mu      sync.Mutex
	waiting map[string]*pending
	counter int64

	subMu       sync.Mutex
	subscribers map[string][]chan Notification
	generic     []chan Notification
}

// Sender transmits an already-encoded frame. Implemented by the session
// wrapping a transport.Transport.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// New builds a Correlator for serverID, sending frames through sender.
func New(serverID string, sender Sender, logger types.Logger) *Correlator {
	return &Correlator{
		serverID:    serverID,
		sender:      sender,
		logger:      logger,
		waiting:     make(map[string]*pending),
		subscribers: make(map[string][]chan Notification),
	}
}

// NextID mints the next "<server-id>-<counter>" request id, unique within
// this session for its whole lifetime.
func (c *Correlator) NextID() string {
	n := atomic.AddInt64(&c.counter, 1)
	return fmt.Sprintf("%s-%d", c.serverID, n)
}

// SendRequest assigns an id, registers a pending waiter, transmits the
// encoded request, and blocks until a matching response arrives, ctx is
// cancelled, or timeout elapses. Whichever fires first wins; the rest are
// suppressed.
func (c *Correlator) SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (*protocol.JSONRPCResponse, error) {
	id := c.NextID()
	req := protocol.NewRequest(id, method, params)

	p := &pending{ch: make(chan outcome, 1)}
	c.mu.Lock()
	c.waiting[id] = p
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
	}

	raw, err := encodeRequest(req)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("rpc: encode request: %w", err)
	}

	if err := c.sender.Send(ctx, raw); err != nil {
		cleanup()
		return nil, fmt.Errorf("TransportError: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		cleanup()
		if out.err != nil {
			return nil, out.err
		}
		return out.resp, nil
	case <-timer.C:
		cleanup()
		return nil, &TimeoutError{Method: method, ID: id, Timeout: timeout}
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Deliver routes a decoded frame: responses to their waiter (at most one
// delivery; dropped with a log if no waiter exists), notifications to
// method subscribers or the generic stream.
func (c *Correlator) Deliver(frame protocol.Frame) {
	switch frame.Kind() {
	case protocol.KindResponse:
		c.deliverResponse(frame)
	case protocol.KindNotification:
		c.deliverNotification(frame)
	default:
		c.logger.Warn("rpc[%s]: dropping frame of unexpected kind in Deliver", c.serverID)
	}
}

func (c *Correlator) deliverResponse(frame protocol.Frame) {
	id, ok := protocol.IDString(frame.ID)
	if !ok {
		c.logger.Warn("rpc[%s]: response with unparseable id, dropping", c.serverID)
		return
	}

	c.mu.Lock()
	p, found := c.waiting[id]
	if found {
		delete(c.waiting, id)
	}
	c.mu.Unlock()

	if !found {
		c.logger.Warn("rpc[%s]: response for unknown id %q, dropping", c.serverID, id)
		return
	}

	var idVal interface{} = id
	resp := &protocol.JSONRPCResponse{JSONRPC: frame.JSONRPC, ID: idVal, Error: frame.Error}
	if len(frame.Result) > 0 {
		resp.Result = frame.Result
	}
	p.deliver(resp)
}

func (c *Correlator) deliverNotification(frame protocol.Frame) {
	note := Notification{Method: frame.Method, Params: frame.Params}

	c.subMu.Lock()
	subs := append([]chan Notification{}, c.subscribers[frame.Method]...)
	generic := frame.Method == "" || len(c.subscribers[frame.Method]) == 0
	genericSubs := append([]chan Notification{}, c.generic...)
	c.subMu.Unlock()

	if len(subs) == 0 && generic {
		for _, ch := range genericSubs {
			nonBlockingSend(ch, note)
		}
		return
	}
	for _, ch := range subs {
		nonBlockingSend(ch, note)
	}
}

func nonBlockingSend(ch chan Notification, note Notification) {
	select {
	case ch <- note:
	default:
	}
}

// Subscribe returns a channel fed every notification for method. Delivery
// never blocks: a notification is dropped when the channel's buffer is
// full. The channel stays registered until Unsubscribe is called.
func (c *Correlator) Subscribe(method string) chan Notification {
	ch := make(chan Notification, 16)
	c.subMu.Lock()
	c.subscribers[method] = append(c.subscribers[method], ch)
	c.subMu.Unlock()
	return ch
}

// SubscribeGeneric returns a channel fed every notification whose method
// has no registered subscriber.
func (c *Correlator) SubscribeGeneric() chan Notification {
	ch := make(chan Notification, 16)
	c.subMu.Lock()
	c.generic = append(c.generic, ch)
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes ch from method's subscriber list.
func (c *Correlator) Unsubscribe(method string, ch chan Notification) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := c.subscribers[method]
	for i, s := range subs {
		if s == ch {
			c.subscribers[method] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// FailAll fails every pending waiter with err: a pending request whose
// session disconnects must never be left to time out silently. Each waiter
// receives err itself, so sentinel matching on the caller side still works.
// The waiting table is empty afterward.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	waiting := c.waiting
	c.waiting = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range waiting {
		p.fail(err)
	}
}

// Cancel removes a waiter eagerly, per the correlator's cancellation rule:
// any later-arriving response for id is dropped, not treated as an error.
func (c *Correlator) Cancel(id string) {
	c.mu.Lock()
	delete(c.waiting, id)
	c.mu.Unlock()
}

// PendingCount reports the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}
