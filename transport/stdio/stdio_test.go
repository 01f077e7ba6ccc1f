package stdio

import (
	"context"
	"testing"
	"time"

	"github.com/mcpfleet/fleet/logx"
	"github.com/mcpfleet/fleet/transport"
	"github.com/stretchr/testify/require"
)

// waitFor drains the event stream until match returns true, failing the test
// if nothing matches within the deadline (state-change events from Connect
// share the channel with messages and errors).
func waitFor(t *testing.T, tr *Transport, what string, match func(transport.Event) bool) transport.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return transport.Event{}
		}
	}
}

func TestConnectSendReceiveEcho(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.Logger = logx.NewDiscardLogger()
	opts.Command = "cat"

	tr := New("echo-server", opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Connect(ctx))
	require.Equal(t, transport.Connected, tr.State())

	require.NoError(t, tr.Send(ctx, []byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)))

	ev := waitFor(t, tr, "echoed frame", func(ev transport.Event) bool {
		return ev.Kind == transport.EventMessage
	})
	require.Contains(t, string(ev.Raw), `"method":"ping"`)

	require.NoError(t, tr.Disconnect(ctx))
	require.Equal(t, transport.Disconnected, tr.State())
}

func TestConnectSpawnFailed(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.Logger = logx.NewDiscardLogger()
	opts.Command = "/nonexistent/binary-does-not-exist"

	tr := New("bad-server", opts)
	err := tr.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, transport.Error, tr.State())
}

func TestConnectDetectsImmediateExit(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.Logger = logx.NewDiscardLogger()
	opts.Command = "false" // exits immediately with status 1

	tr := New("dead-on-arrival", opts)
	err := tr.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "SpawnFailed")
	require.Equal(t, transport.Error, tr.State())
}

func TestProcessExitedWhileConnected(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.Logger = logx.NewDiscardLogger()
	opts.Command = "sh"
	opts.Args = []string{"-c", "sleep 0.3; exit 1"}

	tr := New("exiting-server", opts)
	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, transport.Connected, tr.State())

	ev := waitFor(t, tr, "ProcessExited event", func(ev transport.Event) bool {
		return ev.Kind == transport.EventError
	})
	require.Equal(t, "ProcessExited", ev.ErrKind)
	require.Eventually(t, func() bool { return tr.State() == transport.Error }, time.Second, 5*time.Millisecond)
}

func TestRepeatedDisconnectIsSafe(t *testing.T) {
	opts := transport.DefaultOptions()
	opts.Logger = logx.NewDiscardLogger()
	opts.Command = "cat"

	tr := New("echo-server", opts)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect(context.Background()))
	require.NoError(t, tr.Disconnect(context.Background()))
	require.Equal(t, transport.Disconnected, tr.State())
}
