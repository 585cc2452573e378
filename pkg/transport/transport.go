// Package transport owns the byte pipe of one session. The session
// layer is written against the Transport interface only, so the peer
// negotiated data channel and the plain websocket fallback are
// interchangeable without touching session logic.
package transport

import "errors"

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("transport closed")

// Transport is one session's bidirectional byte pipe. Implementations
// must deliver messages to the OnMessage callback in the order they
// were sent by the peer (or document that they cannot).
//
// Callbacks must be registered before the transport goes live; a
// transport that is already ready fires OnReady immediately on
// registration.
type Transport interface {
	// Send queues one message for the peer. Messages larger than
	// MaxMessage may be rejected by the underlying channel; chunk
	// first (see pkg/frame).
	Send(data []byte) error
	// OnMessage registers the inbound message callback.
	OnMessage(fn func(data []byte))
	// OnReady registers the readiness callback, fired exactly once
	// when the pipe can carry data in both directions.
	OnReady(fn func())
	// OnClose registers the teardown callback, fired exactly once
	// with the cause (nil for a deliberate local Close).
	OnClose(fn func(err error))
	// Close tears the pipe down. Idempotent.
	Close() error
	// MaxMessage is the largest payload Send accepts, in bytes.
	MaxMessage() int
}
