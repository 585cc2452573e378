// Package signaling carries the negotiation handshake (offer, answer,
// ICE candidates) between the two peers of a session over a pub/sub bus
// scoped by session ID. The bus is only used until the transport is
// live; screen and input data never touch it.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Peer roles, the "from" field of every message.
const (
	FromController = "controller"
	FromAgent      = "agent"
)

// Message kinds.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "ice-candidate"
)

// Message is one unit of the negotiation protocol. Payload is opaque to
// the bus: an SDP blob for offers and answers, a candidate struct for
// ICE. Delivery is at-least-once; receivers must tolerate duplicate
// candidates.
type Message struct {
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Bus is the raw pub/sub binding. Publish delivers msg to every peer
// subscribed to msg.SessionID other than msg.From. Subscribe returns a
// receive channel and a cancel function; the channel is closed when the
// subscription or the underlying connection goes away.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(sessionID, peer string) (<-chan Message, func(), error)
}

// HealthNotifier is implemented by buses with a long-lived connection,
// so the session layer can tell "signaling channel down" apart from
// "remote peer gone silent".
type HealthNotifier interface {
	OnOpen(func())
	OnClose(func(error))
	OnError(func(error))
}

// PermanentError marks a bus failure that retrying cannot fix, such as
// a rejected credential. Client gives up on it immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent signaling error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a PermanentError anywhere in
// its chain.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Retry policy defaults.
const (
	DefaultRetryBase     = 2 * time.Second
	DefaultRetryCap      = 30 * time.Second
	DefaultRetryAttempts = 10
)

// Client wraps a Bus with idempotent retries and exponential backoff on
// transient publish failures. One Client serves one session peer.
type Client struct {
	Bus Bus

	RetryBase     time.Duration // DefaultRetryBase if zero
	RetryCap      time.Duration // DefaultRetryCap if zero
	RetryAttempts int           // DefaultRetryAttempts if zero

	sleep func(context.Context, time.Duration) error // test hook
}

// NewClient wraps bus with the default retry policy.
func NewClient(bus Bus) *Client {
	return &Client{Bus: bus}
}

// Send publishes msg, retrying transient failures with exponential
// backoff until the attempts or ctx run out. Permanent errors
// are returned on first sight.
func (c *Client) Send(ctx context.Context, msg Message) error {
	base, ceil, attempts := c.RetryBase, c.RetryCap, c.RetryAttempts
	if base <= 0 {
		base = DefaultRetryBase
	}
	if ceil <= 0 {
		ceil = DefaultRetryCap
	}
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	var err error
	delay := base
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := c.wait(ctx, delay); serr != nil {
				return serr
			}
			delay *= 2
			if delay > ceil {
				delay = ceil
			}
		}

		err = c.Bus.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("signaling: send failed after %d attempts: %w", attempts, err)
}

// Subscribe opens the session's message stream for the given peer role.
func (c *Client) Subscribe(sessionID, peer string) (<-chan Message, func(), error) {
	return c.Bus.Subscribe(sessionID, peer)
}

// OnOpen forwards to the bus when it tracks connection health.
func (c *Client) OnOpen(fn func()) {
	if h, ok := c.Bus.(HealthNotifier); ok {
		h.OnOpen(fn)
	}
}

// OnClose forwards to the bus when it tracks connection health.
func (c *Client) OnClose(fn func(error)) {
	if h, ok := c.Bus.(HealthNotifier); ok {
		h.OnClose(fn)
	}
}

// OnError forwards to the bus when it tracks connection health.
func (c *Client) OnError(fn func(error)) {
	if h, ok := c.Bus.(HealthNotifier); ok {
		h.OnError(fn)
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
