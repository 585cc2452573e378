package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/remotedesk/remotedesk/pkg/signaling"
)

// controlChannelLabel names the single ordered data channel that
// carries frames one way and input events the other.
const controlChannelLabel = "control"

// sdpPayload is the JSON payload of offer and answer signal messages.
type sdpPayload struct {
	SDP string `json:"sdp"`
}

// PeerConfig configures a negotiated peer channel.
type PeerConfig struct {
	SessionID string
	Role      string // signaling.FromController offers, signaling.FromAgent answers
	// Signal sends one outbound handshake message; the session layer
	// routes it through its retrying signaling client.
	Signal func(msg signaling.Message)
	// ICEServers overrides the default public STUN set.
	ICEServers []webrtc.ICEServer
	Log        zerolog.Logger
}

// DefaultICEServers is used when no servers are configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// PeerChannel is the Transport over a pion data channel, negotiated
// through an offer/answer/candidate exchange relayed by signaling.
type PeerChannel struct {
	cfg PeerConfig
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	ready     bool
	closed    bool
	onMessage func([]byte)
	onReady   func()
	onClose   func(error)
}

// NewPeerChannel builds the peer connection and, if no remote ICE
// servers are given, points it at the default public STUN set. The
// offering side must call StartOffer afterwards; the answering side
// waits for HandleSignal to deliver the offer.
func NewPeerChannel(cfg PeerConfig) (*PeerChannel, error) {
	ice := cfg.ICEServers
	if len(ice) == 0 {
		ice = DefaultICEServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("transport: create peer connection: %w", err)
	}

	p := &PeerChannel{
		cfg: cfg,
		pc:  pc,
		log: cfg.Log.With().Str("session", cfg.SessionID).Str("role", cfg.Role).Logger(),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		cfg.Signal(signaling.Message{
			SessionID: cfg.SessionID,
			From:      cfg.Role,
			Kind:      signaling.KindCandidate,
			Payload:   payload,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.shutdown(fmt.Errorf("transport: peer connection failed"))
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			p.shutdown(nil)
		}
	})

	if cfg.Role != signaling.FromController {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != controlChannelLabel {
				return
			}
			p.adoptChannel(dc)
		})
	}

	return p, nil
}

// StartOffer creates the control channel, builds the offer and hands it
// to the signaling hook. Controller side only.
func (p *PeerChannel) StartOffer() error {
	dc, err := p.pc.CreateDataChannel(controlChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("transport: create data channel: %w", err)
	}
	p.adoptChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("transport: set local description: %w", err)
	}

	payload, err := json.Marshal(sdpPayload{SDP: offer.SDP})
	if err != nil {
		return err
	}
	p.cfg.Signal(signaling.Message{
		SessionID: p.cfg.SessionID,
		From:      p.cfg.Role,
		Kind:      signaling.KindOffer,
		Payload:   payload,
	})
	return nil
}

// HandleSignal applies one inbound handshake message. Unparseable
// payloads are returned as errors; the session layer decides whether
// they are fatal.
func (p *PeerChannel) HandleSignal(msg signaling.Message) error {
	switch msg.Kind {
	case signaling.KindOffer:
		return p.handleOffer(msg)
	case signaling.KindAnswer:
		return p.handleAnswer(msg)
	case signaling.KindCandidate:
		return p.handleCandidate(msg)
	default:
		return fmt.Errorf("transport: unknown signal kind %q", msg.Kind)
	}
}

func (p *PeerChannel) handleOffer(msg signaling.Message) error {
	var sdp sdpPayload
	if err := json.Unmarshal(msg.Payload, &sdp); err != nil || sdp.SDP == "" {
		return fmt.Errorf("transport: malformed offer payload")
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("transport: set remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("transport: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("transport: set local answer: %w", err)
	}

	payload, err := json.Marshal(sdpPayload{SDP: answer.SDP})
	if err != nil {
		return err
	}
	p.cfg.Signal(signaling.Message{
		SessionID: p.cfg.SessionID,
		From:      p.cfg.Role,
		Kind:      signaling.KindAnswer,
		Payload:   payload,
	})
	return nil
}

func (p *PeerChannel) handleAnswer(msg signaling.Message) error {
	var sdp sdpPayload
	if err := json.Unmarshal(msg.Payload, &sdp); err != nil || sdp.SDP == "" {
		return fmt.Errorf("transport: malformed answer payload")
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("transport: set remote answer: %w", err)
	}
	return nil
}

func (p *PeerChannel) handleCandidate(msg signaling.Message) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		return fmt.Errorf("transport: malformed candidate payload")
	}
	// Duplicate or out-of-order candidates are harmless replays; pion
	// logs and tolerates them.
	if err := p.pc.AddICECandidate(candidate); err != nil {
		p.log.Warn().Err(err).Msg("add ice candidate")
	}
	return nil
}

func (p *PeerChannel) adoptChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		if p.ready || p.closed {
			p.mu.Unlock()
			return
		}
		p.ready = true
		onReady := p.onReady
		p.mu.Unlock()
		p.log.Debug().Msg("data channel open")
		if onReady != nil {
			onReady()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		onMessage := p.onMessage
		p.mu.Unlock()
		if onMessage != nil {
			onMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		p.shutdown(nil)
	})
}

// Send transmits one message over the data channel.
func (p *PeerChannel) Send(data []byte) error {
	p.mu.Lock()
	dc, closed := p.dc, p.closed
	p.mu.Unlock()
	if closed || dc == nil {
		return ErrClosed
	}
	if len(data) > p.MaxMessage() {
		return fmt.Errorf("transport: message of %d bytes exceeds limit %d", len(data), p.MaxMessage())
	}
	return dc.Send(data)
}

// OnMessage registers the inbound callback.
func (p *PeerChannel) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// OnReady registers the readiness callback, firing immediately when the
// channel is already open.
func (p *PeerChannel) OnReady(fn func()) {
	p.mu.Lock()
	p.onReady = fn
	ready := p.ready
	p.mu.Unlock()
	if ready && fn != nil {
		fn()
	}
}

// OnClose registers the teardown callback.
func (p *PeerChannel) OnClose(fn func(error)) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// Close tears down the data channel and peer connection. Idempotent.
func (p *PeerChannel) Close() error {
	p.shutdown(nil)
	return nil
}

// MaxMessage stays safely under the 64 KB SCTP message cap.
func (p *PeerChannel) MaxMessage() int { return 60000 }

func (p *PeerChannel) shutdown(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	onClose := p.onClose
	p.mu.Unlock()

	p.pc.Close()
	if onClose != nil {
		onClose(cause)
	}
}
