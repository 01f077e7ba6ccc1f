package types

import "time"

// ConfigOption mutates a ServerConfig under construction, the same fluent
// pattern the transport package uses for its Options.
type ConfigOption func(*ServerConfig)

// NewServerConfig builds a ServerConfig for id over kind, applying opts and
// then filling unset knobs with the documented defaults.
func NewServerConfig(id string, kind TransportKind, opts ...ConfigOption) ServerConfig {
	cfg := ServerConfig{ID: id, Name: id, Kind: kind}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.WithDefaults()
}

func WithName(name string) ConfigOption {
	return func(c *ServerConfig) { c.Name = name }
}

// WithCommand sets the stdio child process command line.
func WithCommand(command string, args ...string) ConfigOption {
	return func(c *ServerConfig) {
		c.Command = command
		c.Args = args
	}
}

// WithEnv merges extra environment variables into the stdio child's
// environment.
func WithEnv(env map[string]string) ConfigOption {
	return func(c *ServerConfig) { c.Env = env }
}

// WithURL sets the http/websocket endpoint.
func WithURL(url string) ConfigOption {
	return func(c *ServerConfig) { c.URL = url }
}

func WithHeaders(headers map[string]string) ConfigOption {
	return func(c *ServerConfig) { c.Headers = headers }
}

func WithAuth(provider AuthProvider) ConfigOption {
	return func(c *ServerConfig) { c.Auth = provider }
}

func WithConnectTimeout(d time.Duration) ConfigOption {
	return func(c *ServerConfig) { c.ConnectTimeout = d }
}

func WithRequestTimeout(d time.Duration) ConfigOption {
	return func(c *ServerConfig) { c.RequestTimeout = d }
}

// WithRetry sets the reconnect budget: maxRetries attempts starting from
// delay, doubling per attempt.
func WithRetry(maxRetries int, delay time.Duration) ConfigOption {
	return func(c *ServerConfig) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

func WithKeepAlive(keepAlive bool) ConfigOption {
	return func(c *ServerConfig) { c.KeepAlive = keepAlive }
}
