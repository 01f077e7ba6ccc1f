package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/fleet/logx"
	"github.com/mcpfleet/fleet/protocol"
)

// fakeSender captures outbound frames and optionally answers them through a
// callback, standing in for the session's transport wiring.
type fakeSender struct {
	mu     sync.Mutex
	sent   [][]byte
	onSend func(frame []byte)
	err    error
}

func (f *fakeSender) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	cb := f.onSend
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if cb != nil {
		cb(frame)
	}
	return nil
}

func sentID(t *testing.T, frame []byte) string {
	t.Helper()
	var probe struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(frame, &probe))
	return probe.ID
}

func responseFrame(t *testing.T, id string, result interface{}) protocol.Frame {
	t.Helper()
	b, err := json.Marshal(protocol.NewSuccessResponse(id, result))
	require.NoError(t, err)
	f, err := DecodeFrame(b)
	require.NoError(t, err)
	return f
}

func TestNextIDIsMonotonicPerSession(t *testing.T) {
	c := New("srv", &fakeSender{}, logx.NewDiscardLogger())
	require.Equal(t, "srv-1", c.NextID())
	require.Equal(t, "srv-2", c.NextID())
	require.Equal(t, "srv-3", c.NextID())
}

func TestSendRequestResolvesOnMatchingResponse(t *testing.T) {
	sender := &fakeSender{}
	c := New("srv", sender, logx.NewDiscardLogger())
	sender.onSend = func(frame []byte) {
		id := sentID(t, frame)
		go c.Deliver(responseFrame(t, id, map[string]string{"ok": "yes"}))
	}

	resp, err := c.SendRequest(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, 0, c.PendingCount())
}

func TestSendRequestTimesOut(t *testing.T) {
	c := New("srv", &fakeSender{}, logx.NewDiscardLogger())

	start := time.Now()
	_, err := c.SendRequest(context.Background(), "ping", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 0, c.PendingCount())
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	sender := &fakeSender{}
	c := New("srv", sender, logx.NewDiscardLogger())

	_, err := c.SendRequest(context.Background(), "slow", nil, 20*time.Millisecond)
	require.Error(t, err)

	// Delivering the response after the waiter has gone must be a no-op.
	id := sentID(t, sender.sent[0])
	c.Deliver(responseFrame(t, id, "late"))
	require.Equal(t, 0, c.PendingCount())
}

func TestResponsesMatchByIDNotArrivalOrder(t *testing.T) {
	sender := &fakeSender{}
	c := New("srv", sender, logx.NewDiscardLogger())

	var mu sync.Mutex
	idByMethod := map[string]string{}
	sent := make(chan string, 2)
	sender.onSend = func(frame []byte) {
		var probe struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.Unmarshal(frame, &probe))
		mu.Lock()
		idByMethod[probe.Method] = probe.ID
		mu.Unlock()
		sent <- probe.Method
	}

	type result struct {
		method string
		resp   *protocol.JSONRPCResponse
		err    error
	}
	results := make(chan result, 2)
	for _, m := range []string{"first", "second"} {
		go func(method string) {
			resp, err := c.SendRequest(context.Background(), method, nil, time.Second)
			results <- result{method, resp, err}
		}(m)
	}

	<-sent
	<-sent
	mu.Lock()
	firstID, secondID := idByMethod["first"], idByMethod["second"]
	mu.Unlock()

	// Answer in reverse order of transmission; matching is by id only.
	c.Deliver(responseFrame(t, secondID, "for-second"))
	c.Deliver(responseFrame(t, firstID, "for-first"))

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		var got string
		require.NoError(t, protocol.UnmarshalPayload(r.resp.Result, &got))
		require.Equal(t, "for-"+r.method, got)
	}
	require.Equal(t, 0, c.PendingCount())
}

func TestSendFailureCleansUpPendingEntry(t *testing.T) {
	sender := &fakeSender{err: errors.New("broken pipe")}
	c := New("srv", sender, logx.NewDiscardLogger())

	_, err := c.SendRequest(context.Background(), "ping", nil, time.Second)
	require.Error(t, err)
	require.Equal(t, 0, c.PendingCount())
}

func TestNotificationFanOut(t *testing.T) {
	c := New("srv", &fakeSender{}, logx.NewDiscardLogger())

	logCh := c.Subscribe("notifications/log")
	genericCh := c.SubscribeGeneric()

	frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","method":"notifications/log","params":{"level":"info"}}`))
	require.NoError(t, err)
	c.Deliver(frame)

	select {
	case note := <-logCh:
		require.Equal(t, "notifications/log", note.Method)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification")
	}
	select {
	case <-genericCh:
		t.Fatal("generic stream must not see notifications with a subscriber")
	default:
	}

	// A method with no subscriber lands on the generic stream.
	frame, err = DecodeFrame([]byte(`{"jsonrpc":"2.0","method":"custom/thing"}`))
	require.NoError(t, err)
	c.Deliver(frame)
	select {
	case note := <-genericCh:
		require.Equal(t, "custom/thing", note.Method)
	case <-time.After(time.Second):
		t.Fatal("generic stream did not receive unknown-method notification")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New("srv", &fakeSender{}, logx.NewDiscardLogger())
	ch := c.Subscribe("m")
	c.Unsubscribe("m", ch)

	frame, err := DecodeFrame([]byte(`{"jsonrpc":"2.0","method":"m"}`))
	require.NoError(t, err)
	c.Deliver(frame)

	select {
	case <-ch:
		t.Fatal("unsubscribed channel still received a notification")
	default:
	}
}

func TestFailAllEmptiesPendingTable(t *testing.T) {
	sender := &fakeSender{}
	c := New("srv", sender, logx.NewDiscardLogger())

	sentinel := errors.New("transport lost")
	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.SendRequest(context.Background(), "hang", nil, 10*time.Second)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.PendingCount() == n }, time.Second, 5*time.Millisecond)

	c.FailAll(sentinel)

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			// The sentinel survives intact for errors.Is on the caller side.
			require.ErrorIs(t, err, sentinel)
		case <-time.After(time.Second):
			t.Fatal("waiter was not failed by FailAll")
		}
	}
	require.Equal(t, 0, c.PendingCount())
}

func TestCancelDropsLaterResponse(t *testing.T) {
	sender := &fakeSender{}
	c := New("srv", sender, logx.NewDiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(ctx, "hang", nil, 10*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, 0, c.PendingCount())

	id := sentID(t, sender.sent[0])
	c.Deliver(responseFrame(t, id, "too late"))
	require.Equal(t, 0, c.PendingCount())
}
