// Package session ties one remote-control engagement together: it runs
// the negotiation handshake over signaling, brings the transport up,
// and routes frames, input and throughput stats between the transport
// and the application callbacks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remotedesk/remotedesk/pkg/directory"
	"github.com/remotedesk/remotedesk/pkg/frame"
	"github.com/remotedesk/remotedesk/pkg/input"
	"github.com/remotedesk/remotedesk/pkg/signaling"
	"github.com/remotedesk/remotedesk/pkg/stats"
	"github.com/remotedesk/remotedesk/pkg/transport"
)

// DefaultNegotiationTimeout bounds the time from Start to the transport
// reporting ready. A peer that never answers fails the session instead
// of hanging it.
const DefaultNegotiationTimeout = 30 * time.Second

// ErrNotActive is returned by the send methods outside the Active state.
var ErrNotActive = errors.New("session: not active")

// Negotiator is the transport-side half of the handshake. PeerChannel
// implements it; transports that need no negotiation (the in-process
// pipe, an already-dialed websocket) leave it nil and the machine goes
// straight to waiting on transport readiness.
type Negotiator interface {
	// StartOffer begins the handshake. Called on the controller only.
	StartOffer() error
	// HandleSignal applies one inbound handshake message.
	HandleSignal(msg signaling.Message) error
}

// Config wires a Machine. SessionID, Role, Signaling and Transport are
// required; the rest have working defaults.
type Config struct {
	SessionID string
	Role      string // signaling.FromController or signaling.FromAgent
	Signaling *signaling.Client
	Transport transport.Transport
	// Negotiator drives the handshake when the transport needs one.
	// When Transport is a *transport.PeerChannel, pass it here too.
	Negotiator Negotiator
	// Directory, when set, is told the session ended. Best effort.
	Directory directory.Directory

	NegotiationTimeout time.Duration // DefaultNegotiationTimeout if zero
	// StatsWindow overrides the monitor's snapshot interval.
	StatsWindow time.Duration
	Log         zerolog.Logger
}

// Machine is the per-session state machine. Register callbacks before
// Start; they are invoked from the machine's internal goroutines and
// must not block.
type Machine struct {
	cfg Config
	log zerolog.Logger

	// OnStateChange observes every transition, in order.
	OnStateChange func(from, to State)
	// OnFrame receives each complete remote frame image.
	OnFrame func(image []byte)
	// OnRegion receives dirty-region updates.
	OnRegion func(r frame.Region)
	// OnInput receives decoded remote input events (agent side).
	OnInput func(ev input.Event)
	// OnStats receives one throughput snapshot per window.
	OnStats func(s stats.Snapshot)

	dec frame.Decoder
	mon stats.Monitor

	mu          sync.Mutex
	state       State
	seenOffer   bool
	seenAnswer  bool
	cancelSig   func()
	negTimer    *time.Timer
	failedCause error
}

// New builds a Machine in the Idle state.
func New(cfg Config) (*Machine, error) {
	if cfg.SessionID == "" || cfg.Signaling == nil || cfg.Transport == nil {
		return nil, errors.New("session: SessionID, Signaling and Transport are required")
	}
	switch cfg.Role {
	case signaling.FromController, signaling.FromAgent:
	default:
		return nil, fmt.Errorf("session: unknown role %q", cfg.Role)
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	m := &Machine{
		cfg:   cfg,
		log:   cfg.Log.With().Str("session", cfg.SessionID).Str("role", cfg.Role).Logger(),
		state: Idle,
	}
	m.mon.Window = cfg.StatsWindow
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start subscribes to signaling, wires the transport and, on the
// controller, sends the offer. It returns once the machinery is running;
// watch OnStateChange for progress.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return fmt.Errorf("session: Start in state %s", m.state)
	}
	m.mu.Unlock()
	// Move before wiring the transport: an already-connected transport
	// (the in-process pipe) fires OnReady during registration.
	m.transition(Idle, Negotiating)

	// Decoder feeds the application callbacks and the monitor.
	m.dec.OnFull = func(image []byte) {
		m.mon.AddFrame()
		if m.OnFrame != nil {
			m.OnFrame(image)
		}
	}
	m.dec.OnRegion = func(r frame.Region) {
		m.mon.AddFrame()
		if m.OnRegion != nil {
			m.OnRegion(r)
		}
	}
	m.dec.OnControl = func(raw []byte) {
		ev, err := input.Decode(raw)
		if err != nil {
			m.log.Warn().Err(err).Msg("dropping bad control message")
			return
		}
		if m.OnInput != nil {
			m.OnInput(ev)
		}
	}
	m.dec.OnDrop = func() { m.mon.AddDropped() }

	m.mon.OnStat = func(s stats.Snapshot) {
		if m.OnStats != nil {
			m.OnStats(s)
		}
	}

	tr := m.cfg.Transport
	tr.OnMessage(func(data []byte) {
		m.mon.AddBytes(len(data))
		m.dec.Handle(data)
	})
	tr.OnReady(func() { m.transportReady() })
	tr.OnClose(func(err error) { m.transportClosed(err) })

	// Before the transport is up the handshake depends on signaling:
	// losing the channel then is fatal. Once Active it is only noise.
	m.cfg.Signaling.OnClose(func(err error) {
		m.mu.Lock()
		negotiating := m.state == Negotiating || m.state == Connecting
		m.mu.Unlock()
		if negotiating {
			if err == nil {
				err = errors.New("signaling channel closed")
			}
			m.fail(fmt.Errorf("session: signaling lost during negotiation: %w", err))
		}
	})
	m.cfg.Signaling.OnError(func(err error) {
		m.log.Warn().Err(err).Msg("signaling error")
	})

	sub, cancel, err := m.cfg.Signaling.Subscribe(m.cfg.SessionID, m.cfg.Role)
	if err != nil {
		m.fail(fmt.Errorf("session: subscribe signaling: %w", err))
		return err
	}
	m.mu.Lock()
	m.cancelSig = cancel
	if !m.state.Terminal() && m.state != Active {
		m.negTimer = time.AfterFunc(m.cfg.NegotiationTimeout, m.negotiationExpired)
	}
	m.mu.Unlock()

	go m.signalLoop(ctx, sub)

	if m.cfg.Role == signaling.FromController && m.cfg.Negotiator != nil {
		if err := m.cfg.Negotiator.StartOffer(); err != nil {
			m.fail(fmt.Errorf("session: start offer: %w", err))
			return err
		}
	}
	return nil
}

func (m *Machine) signalLoop(ctx context.Context, sub <-chan signaling.Message) {
	for {
		select {
		case <-ctx.Done():
			m.fail(ctx.Err())
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			m.handleSignal(msg)
		}
	}
}

func (m *Machine) handleSignal(msg signaling.Message) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	// At-least-once delivery: a repeated offer or answer is noise, not
	// an error. Candidates may legitimately repeat.
	switch msg.Kind {
	case signaling.KindOffer:
		if m.seenOffer {
			m.mu.Unlock()
			m.log.Debug().Msg("ignoring duplicate offer")
			return
		}
		m.seenOffer = true
	case signaling.KindAnswer:
		if m.seenAnswer {
			m.mu.Unlock()
			m.log.Debug().Msg("ignoring duplicate answer")
			return
		}
		m.seenAnswer = true
	}
	m.mu.Unlock()

	if m.cfg.Negotiator != nil {
		if err := m.cfg.Negotiator.HandleSignal(msg); err != nil {
			m.fail(fmt.Errorf("session: handle %s: %w", msg.Kind, err))
			return
		}
	}

	// The description kicks the session out of Negotiating: the agent
	// moves on the offer it answers, the controller on the answer.
	if (m.cfg.Role == signaling.FromAgent && msg.Kind == signaling.KindOffer) ||
		(m.cfg.Role == signaling.FromController && msg.Kind == signaling.KindAnswer) {
		m.transition(Negotiating, Connecting)
	}
}

func (m *Machine) transportReady() {
	m.mu.Lock()
	if m.negTimer != nil {
		m.negTimer.Stop()
	}
	m.mu.Unlock()
	// A pipe transport skips Connecting entirely.
	if !m.transition(Connecting, Active) {
		if !m.transition(Negotiating, Active) {
			return
		}
	}
	m.mon.Start()
}

func (m *Machine) transportClosed(err error) {
	// A fault before the session is up fails it. Once Active, a dropped
	// transport is an ordinary end of session, same as a deliberate
	// close from either side.
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		if m.State() != Active {
			m.fail(fmt.Errorf("session: transport: %w", err))
			return
		}
		m.log.Warn().Err(err).Msg("transport dropped")
	}
	m.End()
}

func (m *Machine) negotiationExpired() {
	m.mu.Lock()
	expired := m.state == Negotiating || m.state == Connecting
	m.mu.Unlock()
	if expired {
		m.fail(fmt.Errorf("session: negotiation timed out after %s", m.cfg.NegotiationTimeout))
	}
}

// SendFrame encodes one full frame image, chunking when it exceeds the
// transport's message cap, and sends it. Active state only.
func (m *Machine) SendFrame(image []byte) error {
	if m.State() != Active {
		return ErrNotActive
	}
	msgs, err := frame.EncodeFrame(image, m.cfg.Transport.MaxMessage())
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := m.cfg.Transport.Send(msg); err != nil {
			return err
		}
		m.mon.AddBytes(len(msg))
	}
	// Outbound frames count too, so the sending side sees its own
	// throughput in the monitor snapshots.
	m.mon.AddFrame()
	return nil
}

// SendRegion sends one dirty-region update.
func (m *Machine) SendRegion(x, y, w, h uint16, image []byte) error {
	if m.State() != Active {
		return ErrNotActive
	}
	msg := frame.EncodeRegion(x, y, w, h, image)
	if len(msg) > m.cfg.Transport.MaxMessage() {
		return fmt.Errorf("session: region of %d bytes exceeds message cap", len(msg))
	}
	if err := m.cfg.Transport.Send(msg); err != nil {
		return err
	}
	m.mon.AddBytes(len(msg))
	m.mon.AddFrame()
	return nil
}

// SendInput encodes and sends one input event.
func (m *Machine) SendInput(ev input.Event) error {
	if m.State() != Active {
		return ErrNotActive
	}
	raw, err := input.Encode(ev)
	if err != nil {
		return err
	}
	return m.cfg.Transport.Send(raw)
}

// End shuts the session down deliberately. Idempotent: the first call
// transitions to Ended (unless already Failed), later calls do nothing.
func (m *Machine) End() {
	m.shutdown(nil)
}

func (m *Machine) fail(cause error) {
	m.shutdown(cause)
}

// shutdown tears the session down once. The terminal-state check, not a
// sync.Once, makes it idempotent: Transport.Close below fires OnClose on
// this same goroutine, which re-enters here via transportClosed and must
// return immediately.
func (m *Machine) shutdown(cause error) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	from := m.state
	to := Ended
	if cause != nil {
		to = Failed
		m.failedCause = cause
	}
	m.state = to
	if m.negTimer != nil {
		m.negTimer.Stop()
	}
	cancel := m.cancelSig
	m.mu.Unlock()

	if cause != nil {
		m.log.Error().Err(cause).Str("from", from.String()).Msg("session failed")
	} else {
		m.log.Info().Str("from", from.String()).Msg("session ended")
	}

	m.mon.Stop()
	m.dec.Close()
	if cancel != nil {
		cancel()
	}
	m.cfg.Transport.Close()

	// Best effort, off the teardown path: the caller may be a transport
	// callback that must not block on a directory round trip.
	if m.cfg.Directory != nil {
		go func() {
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := m.cfg.Directory.SetSessionStatus(ctx, m.cfg.SessionID, directory.StatusEnded); err != nil {
				m.log.Warn().Err(err).Msg("could not record session end")
			}
		}()
	}

	if m.OnStateChange != nil && from != to {
		m.OnStateChange(from, to)
	}
}

// Err returns the failure cause, or nil if the session has not failed.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedCause
}

// transition moves from -> to if the machine is currently in from.
// Returns whether the move happened.
func (m *Machine) transition(from, to State) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("session state")
	if m.OnStateChange != nil {
		m.OnStateChange(from, to)
	}
	return true
}
