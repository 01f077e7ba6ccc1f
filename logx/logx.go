// Package logx provides the runtime's default Logger implementation, a thin
// wrapper over the standard library's log package.
package logx

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/mcpfleet/fleet/types"
)

// DefaultLogger writes printf-style messages to an underlying *log.Logger,
// prefixing each line with its severity.
type DefaultLogger struct {
	logger *log.Logger
	mu     sync.Mutex
}

var _ types.Logger = (*DefaultLogger)(nil)

// NewDefaultLogger returns a Logger writing to stderr.
func NewDefaultLogger() *DefaultLogger {
	return NewStandardLoggerAdapter(log.New(os.Stderr, "[mcpfleet] ", log.LstdFlags|log.Lmsgprefix))
}

// NewStandardLoggerAdapter wraps an arbitrary *log.Logger as a types.Logger.
// A nil logger defaults to a fresh stderr logger.
func NewStandardLoggerAdapter(logger *log.Logger) *DefaultLogger {
	if logger == nil {
		logger = log.New(os.Stderr, "[mcpfleet] ", log.LstdFlags)
	}
	return &DefaultLogger{logger: logger}
}

// NewDiscardLogger returns a Logger that drops everything; useful for tests.
func NewDiscardLogger() *DefaultLogger {
	return NewStandardLoggerAdapter(log.New(io.Discard, "", 0))
}

func (l *DefaultLogger) Debug(msg string, args ...interface{}) { l.log("DEBUG", msg, args...) }
func (l *DefaultLogger) Info(msg string, args ...interface{})  { l.log("INFO", msg, args...) }
func (l *DefaultLogger) Warn(msg string, args ...interface{})  { l.log("WARN", msg, args...) }
func (l *DefaultLogger) Error(msg string, args ...interface{}) { l.log("ERROR", msg, args...) }

func (l *DefaultLogger) log(level, msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf(level+": "+msg, args...)
}
