// Package transport declares the uniform contract every wire substrate
// (stdio, http, websocket) implements: connect, disconnect, send(frame),
// and a shared event stream.
package transport

import (
	"context"
	"time"

	"github.com/mcpfleet/fleet/protocol"
	"github.com/mcpfleet/fleet/types"
)

// State is the connection-state enum shared by every transport variant.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind discriminates the variants of Event.
type EventKind int

const (
	EventMessage EventKind = iota
	EventError
	EventStateChanged
)

// Event is the transport's uniform output: one of {Message, Error,
// StateChanged}.
type Event struct {
	Kind  EventKind
	Frame protocol.Frame // not filled by the bundled transports; consumers decode Raw
	Raw   []byte         // EventMessage, undecoded bytes for the codec

	ErrKind string // EventError, e.g. "SpawnFailed", "ProcessExited"
	Err     error  // EventError

	From, To State // EventStateChanged
}

// Transport is the contract every wire substrate satisfies. Implementations
// own exactly one underlying connection (process, socket, HTTP client) and
// are not reused across sessions.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, frame []byte) error
	Events() <-chan Event
	State() State
}

// Options configures a Transport construction, shared across variants;
// each constructor reads only the fields relevant to it.
type Options struct {
	Logger  types.Logger
	Auth    types.AuthProvider
	Headers map[string]string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// stdio
	Command          string
	Args             []string
	Env              map[string]string
	ReadyDelay       time.Duration
	GracefulShutdown time.Duration

	// websocket
	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxRetries   int
	RetryDelay   time.Duration

	// http
	BaseURL string
}

// Option mutates Options under construction.
type Option func(*Options)

func WithLogger(l types.Logger) Option     { return func(o *Options) { o.Logger = l } }
func WithAuth(a types.AuthProvider) Option { return func(o *Options) { o.Auth = a } }
func WithHeaders(h map[string]string) Option {
	return func(o *Options) { o.Headers = h }
}
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

// DefaultOptions returns the documented configuration-knob defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   30 * time.Second,
		RequestTimeout:   30 * time.Second,
		ReadyDelay:       100 * time.Millisecond,
		GracefulShutdown: 5 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      5 * time.Second,
		MaxRetries:       5,
		RetryDelay:       1 * time.Second,
	}
}

// Apply folds a list of Option over DefaultOptions.
func Apply(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
