// Package source implements the adapters that feed raw log lines into the
// per-node line queue: a local file tailer and a remote forwarder client.
//
// Both expose an Attempt method shaped as a resilience.AttemptFunc, so
// reconnects, backoff and state tracking live in one place.
package source

import (
	"context"
	"time"

	"github.com/xtxerr/nodescope/internal/types"
)

// Sink receives lines. Push must not block; it reports false when an older
// line had to be dropped.
type Sink interface {
	Push(line types.RawLine) bool
}

// Source is one adapter instance.
type Source interface {
	// Endpoint names the source in connection state and logs.
	Endpoint() string

	// Attempt opens the source and emits lines until ctx ends or the
	// session fails.
	Attempt(ctx context.Context, connected func()) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(types.RawLine) bool

func (f SinkFunc) Push(line types.RawLine) bool { return f(line) }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
