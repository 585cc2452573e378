// Package controller runs on the operator's machine: it requests a
// session against a remote device through the directory, waits out the
// approval step, and exposes the live session as frames in and shaped
// input out.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remotedesk/remotedesk/pkg/directory"
	"github.com/remotedesk/remotedesk/pkg/input"
	"github.com/remotedesk/remotedesk/pkg/signaling"
	"github.com/remotedesk/remotedesk/pkg/transport"
	"github.com/remotedesk/remotedesk/session"
)

// DefaultApprovalTimeout bounds how long Dial waits for the remote
// user to accept the session.
const DefaultApprovalTimeout = 60 * time.Second

// ErrDenied is returned by Dial when the remote side rejects the
// session request.
var ErrDenied = errors.New("controller: session denied by remote device")

// TransportFactory builds the transport for one approved session. sig
// is the signaling client the session will negotiate through.
type TransportFactory func(ctx context.Context, s directory.Session, sig *signaling.Client) (transport.Transport, session.Negotiator, error)

// SignalingFactory builds the per-session signaling client, returning
// it with a release func. See the agent package for when this matters.
type SignalingFactory func(ctx context.Context, sessionID string) (*signaling.Client, func(), error)

// Config wires a Controller. ControllerID, Directory and Signaling are
// required.
type Config struct {
	ControllerID string
	Directory    directory.Directory
	Signaling    *signaling.Client

	// NewTransport overrides the default peer data channel.
	NewTransport TransportFactory
	// NewSignaling overrides the shared Signaling client with a
	// per-session one.
	NewSignaling SignalingFactory

	ApprovalTimeout time.Duration
	Log             zerolog.Logger
}

// Controller opens sessions against remote devices.
type Controller struct {
	cfg Config
	log zerolog.Logger
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Controller, error) {
	if cfg.ControllerID == "" || cfg.Directory == nil || cfg.Signaling == nil {
		return nil, fmt.Errorf("controller: ControllerID, Directory and Signaling are required")
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = peerTransport(cfg.Log)
	}
	if cfg.NewSignaling == nil {
		shared := cfg.Signaling
		cfg.NewSignaling = func(context.Context, string) (*signaling.Client, func(), error) {
			return shared, func() {}, nil
		}
	}
	return &Controller{
		cfg: cfg,
		log: cfg.Log.With().Str("controller", cfg.ControllerID).Logger(),
	}, nil
}

// Dial requests a session against deviceID and blocks until the remote
// side accepts or denies it. On acceptance it returns an unstarted
// Conn: register callbacks on it, then call Start.
func (c *Controller) Dial(ctx context.Context, deviceID string) (*Conn, error) {
	s, err := c.cfg.Directory.CreateSession(ctx, deviceID, c.cfg.ControllerID)
	if err != nil {
		return nil, fmt.Errorf("controller: create session: %w", err)
	}
	log := c.log.With().Str("session", s.ID).Str("device", deviceID).Logger()

	if err := c.awaitApproval(ctx, s.ID); err != nil {
		return nil, err
	}
	log.Info().Msg("session approved")

	sig, releaseSig, err := c.cfg.NewSignaling(ctx, s.ID)
	if err != nil {
		c.cfg.Directory.SetSessionStatus(ctx, s.ID, directory.StatusEnded)
		return nil, fmt.Errorf("controller: signaling setup: %w", err)
	}

	tr, neg, err := c.cfg.NewTransport(ctx, *s, sig)
	if err != nil {
		releaseSig()
		c.cfg.Directory.SetSessionStatus(ctx, s.ID, directory.StatusEnded)
		return nil, fmt.Errorf("controller: transport setup: %w", err)
	}

	m, err := session.New(session.Config{
		SessionID:  s.ID,
		Role:       signaling.FromController,
		Signaling:  sig,
		Transport:  tr,
		Negotiator: neg,
		Directory:  c.cfg.Directory,
		Log:        log,
	})
	if err != nil {
		tr.Close()
		releaseSig()
		return nil, err
	}
	return &Conn{Session: *s, machine: m, release: releaseSig}, nil
}

func (c *Controller) awaitApproval(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ApprovalTimeout)
	defer cancel()

	ch, err := c.cfg.Directory.WatchSessionStatus(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("controller: watch session: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("controller: waiting for approval: %w", ctx.Err())
		case st, ok := <-ch:
			if !ok {
				return fmt.Errorf("controller: session watch closed")
			}
			switch st {
			case directory.StatusActive:
				return nil
			case directory.StatusDenied:
				return ErrDenied
			case directory.StatusEnded:
				return fmt.Errorf("controller: session ended before approval")
			}
		}
	}
}

// Conn is one live (or starting) session from the controller's side.
// The machine callbacks are surfaced directly; set them before Start.
type Conn struct {
	Session directory.Session

	machine  *session.Machine
	throttle input.Throttle
	keys     input.KeyTracker

	release     func()
	releaseOnce sync.Once
}

// Machine exposes the underlying state machine for callback
// registration (OnFrame, OnRegion, OnStats, OnStateChange).
func (c *Conn) Machine() *session.Machine { return c.machine }

// Start begins negotiation. Watch Machine().OnStateChange for Active.
func (c *Conn) Start(ctx context.Context) error { return c.machine.Start(ctx) }

// State returns the session state.
func (c *Conn) State() session.State { return c.machine.State() }

// End shuts the session down and releases any held keys. Idempotent.
func (c *Conn) End() {
	c.keys.Reset()
	c.machine.End()
	if c.release != nil {
		c.releaseOnce.Do(c.release)
	}
}

// SendPointerMove sends a pointer position in normalized [0, 1]
// coordinates. Moves beyond the rate cap are silently dropped.
func (c *Conn) SendPointerMove(x, y float64) error {
	ev := input.PointerMove{X: x, Y: y}
	if !c.throttle.Allow(ev) {
		return nil
	}
	return c.machine.SendInput(ev)
}

// SendPointerButton sends a button press or release.
func (c *Conn) SendPointerButton(button string, down bool) error {
	return c.machine.SendInput(input.PointerButton{Button: button, Down: down})
}

// SendScroll sends a vertical scroll.
func (c *Conn) SendScroll(delta int) error {
	return c.machine.SendInput(input.Scroll{Delta: delta})
}

// SendKey sends a key press or release. OS auto-repeat duplicates of a
// held key are dropped.
func (c *Conn) SendKey(ev input.Key) error {
	if !c.keys.Filter(ev) {
		return nil
	}
	return c.machine.SendInput(ev)
}

// peerTransport is the default factory: the offering side of a pion
// data channel.
func peerTransport(log zerolog.Logger) TransportFactory {
	return func(ctx context.Context, s directory.Session, sig *signaling.Client) (transport.Transport, session.Negotiator, error) {
		pc, err := transport.NewPeerChannel(transport.PeerConfig{
			SessionID: s.ID,
			Role:      signaling.FromController,
			Signal: func(msg signaling.Message) {
				if err := sig.Send(ctx, msg); err != nil {
					log.Warn().Err(err).Str("kind", msg.Kind).Msg("signal send failed")
				}
			},
			Log: log,
		})
		if err != nil {
			return nil, nil, err
		}
		return pc, pc, nil
	}
}
