package pool

import (
	"fmt"

	"github.com/mcpfleet/fleet/session"
	"github.com/mcpfleet/fleet/transport"
	"github.com/mcpfleet/fleet/transport/httptransport"
	"github.com/mcpfleet/fleet/transport/stdio"
	"github.com/mcpfleet/fleet/transport/websocket"
	"github.com/mcpfleet/fleet/types"
)

// newSession builds the transport variant named by config.Kind and wraps it
// in a session.Session. Transport dispatch happens once here, at session
// construction, never per-call.
func newSession(config types.ServerConfig, logger types.Logger) (*session.Session, error) {
	config = config.WithDefaults()

	opts := transport.Apply(
		transport.WithLogger(logger),
		transport.WithAuth(config.Auth),
		transport.WithHeaders(config.Headers),
		transport.WithConnectTimeout(config.ConnectTimeout),
		transport.WithRequestTimeout(config.RequestTimeout),
	)
	opts.Command = config.Command
	opts.Args = config.Args
	opts.Env = config.Env
	opts.BaseURL = config.URL
	opts.MaxRetries = config.MaxRetries
	opts.RetryDelay = config.RetryDelay

	var tr transport.Transport
	switch config.Kind {
	case types.TransportStdio:
		tr = stdio.New(config.ID, opts)
	case types.TransportHTTP:
		tr = httptransport.New(config.ID, opts)
	case types.TransportWebSocket:
		tr = websocket.New(config.ID, opts)
	default:
		return nil, fmt.Errorf("pool: unknown transport kind %q for server %q", config.Kind, config.ID)
	}

	return session.New(config.ID, config, tr, logger), nil
}
