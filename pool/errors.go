package pool

import "errors"

// ErrDisposed is returned by Acquire once Shutdown has run.
var ErrDisposed = errors.New("pool: disposed")
