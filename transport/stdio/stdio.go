// Package stdio implements the child-process transport variant: spawn a
// command, speak newline-delimited JSON over its stdin/stdout, forward
// stderr as tagged log lines.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mcpfleet/fleet/logx"
	"github.com/mcpfleet/fleet/transport"
	"github.com/mcpfleet/fleet/types"
)

// Transport spawns and owns exactly one child process.
type Transport struct {
	serverID string
	opts     transport.Options
	logger   types.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	state   transport.State
	closed  bool
	exited  chan struct{} // closed by reap once the process has been waited on
	exitErr error

	// writeMu serializes stdin writes so concurrent senders cannot
	// interleave frames mid-line.
	writeMu sync.Mutex

	events chan transport.Event
}

var _ transport.Transport = (*Transport)(nil)

// New builds a stdio transport for serverID, running opts.Command with
// opts.Args and an environment merged over os.Environ().
func New(serverID string, opts transport.Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &Transport{
		serverID: serverID,
		opts:     opts,
		logger:   logger,
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
		t.logger.Warn("stdio[%s]: event channel full, dropping event", t.serverID)
	}
}

// Connect spawns the child process and waits opts.ReadyDelay to confirm it
// has not immediately exited. The child's lifetime is owned by this
// transport, not by ctx: a cancelled connect context must not reap a
// process that came up healthy.
func (t *Transport) Connect(ctx context.Context) error {
	t.setState(transport.Disconnected, transport.Connecting)

	cmd := exec.Command(t.opts.Command, t.opts.Args...)
	cmd.Env = mergeEnv(os.Environ(), t.opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.setState(transport.Connecting, transport.Error)
		return fmt.Errorf("stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.setState(transport.Connecting, transport.Error)
		return fmt.Errorf("stdio: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.setState(transport.Connecting, transport.Error)
		return fmt.Errorf("stdio: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		t.setState(transport.Connecting, transport.Error)
		t.emit(transport.Event{Kind: transport.EventError, ErrKind: "SpawnFailed", Err: err})
		return fmt.Errorf("SpawnFailed: %w", err)
	}

	exited := make(chan struct{})
	t.mu.Lock()
	t.cmd, t.stdin = cmd, stdin
	t.exited = exited
	t.closed = false
	t.mu.Unlock()

	go t.forwardStderr(stderr)
	go t.readLoop(stdout)
	go t.reap(cmd, exited)

	readyDelay := t.opts.ReadyDelay
	if readyDelay == 0 {
		readyDelay = 100 * time.Millisecond
	}

	select {
	case <-exited:
		t.setState(transport.Connecting, transport.Error)
		err := fmt.Errorf("SpawnFailed: process exited immediately: %v", t.exitError())
		t.emit(transport.Event{Kind: transport.EventError, ErrKind: "SpawnFailed", Err: err})
		return err
	case <-time.After(readyDelay):
	}

	t.setState(transport.Connecting, transport.Connected)
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

func (t *Transport) exitError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

func (t *Transport) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Info("stdio[%s] stderr: %s", t.serverID, scanner.Text())
	}
}

func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		t.emit(transport.Event{Kind: transport.EventMessage, Raw: buf})
	}
}

// reap is the single cmd.Wait call for this process. An exit observed while
// Connected is unexpected and transitions the transport to Error.
func (t *Transport) reap(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	t.mu.Lock()
	t.exitErr = err
	wasConnected := t.state == transport.Connected && !t.closed
	t.mu.Unlock()
	close(exited)

	if wasConnected {
		// Error event first so consumers fail pending work with the exit
		// cause before observing the state transition.
		t.emit(transport.Event{Kind: transport.EventError, ErrKind: "ProcessExited", Err: err})
		t.setState(transport.Connected, transport.Error)
	}
}

// Send writes frame plus a trailing newline to the child's stdin. Writes are
// serialized; the blocking Write is this transport's backpressure signal.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	stdin := t.stdin
	closed := t.closed
	t.mu.Unlock()

	if closed || stdin == nil {
		return fmt.Errorf("stdio: not connected")
	}
	if len(frame) == 0 || frame[len(frame)-1] != '\n' {
		frame = append(append([]byte{}, frame...), '\n')
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(frame); err != nil {
		return fmt.Errorf("WriteFailed: %w", err)
	}
	return nil
}

// Disconnect sends SIGTERM, waits up to opts.GracefulShutdown for exit, and
// escalates to SIGKILL.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd := t.cmd
	stdin := t.stdin
	exited := t.exited
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		t.setState(t.State(), transport.Disconnected)
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := t.opts.GracefulShutdown
	if grace == 0 {
		grace = 5 * time.Second
	}

	select {
	case <-exited:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-exited
	}

	t.setState(t.State(), transport.Disconnected)
	return nil
}
