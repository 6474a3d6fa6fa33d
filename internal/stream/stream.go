// Package stream serves live progress state to viewers over two transports:
// an SSE adapter that polls the progress store at a fixed cadence, and a
// WebSocket adapter that subscribes to push notifications. Both are read-only
// observers of the same store and differ only at the encoding boundary.
package stream

import (
	"time"

	"github.com/scribelabs/sessionnotes/internal/auth"
	"github.com/scribelabs/sessionnotes/internal/progress"
)

// Streamer holds the shared dependencies of both adapters.
type Streamer struct {
	Store *progress.Store
	Auth  auth.Authorizer

	// PollInterval is the SSE adapter's read cadence.
	PollInterval time.Duration
	// KeepaliveInterval is the SSE comment-frame cadence; longer than the
	// poll interval, it only exists to keep intermediaries from timing out
	// idle connections.
	KeepaliveInterval time.Duration
	// PingInterval is the WebSocket ping cadence.
	PingInterval time.Duration
}

// eventName maps a state to its wire event name.
func eventName(st progress.State) string {
	switch st.Stage {
	case progress.StageProcessed:
		return "complete"
	case progress.StageFailed:
		return "error"
	default:
		return "progress"
	}
}
