// Package agent runs on the controlled machine: it keeps the device
// registered in the directory, picks up incoming session requests,
// streams the screen and replays remote input.
package agent

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remotedesk/remotedesk/pkg/capture"
	"github.com/remotedesk/remotedesk/pkg/directory"
	"github.com/remotedesk/remotedesk/pkg/inject"
	"github.com/remotedesk/remotedesk/pkg/input"
	"github.com/remotedesk/remotedesk/pkg/signaling"
	"github.com/remotedesk/remotedesk/pkg/stats"
	"github.com/remotedesk/remotedesk/pkg/transport"
	"github.com/remotedesk/remotedesk/session"
)

// Streaming defaults.
const (
	DefaultFPS           = 15
	DefaultKeyframeEvery = 30 // full frame at least every N frames
	// Above this fraction of changed screen a full frame is cheaper
	// than shipping the regions separately.
	fullFrameThreshold = 0.6
)

// TransportFactory builds the transport for one accepted session. sig
// is the signaling client the session will negotiate through. The
// returned Negotiator may be nil for transports that need no handshake.
type TransportFactory func(ctx context.Context, s directory.Session, sig *signaling.Client) (transport.Transport, session.Negotiator, error)

// SignalingFactory builds the per-session signaling client, returning
// it with a release func. The in-process bus multiplexes sessions, so
// the default reuses one client; a websocket relay bus is bound to one
// session and needs a dial per session.
type SignalingFactory func(ctx context.Context, sessionID string) (*signaling.Client, func(), error)

// Config wires an Agent. DeviceID, Directory and Signaling are
// required.
type Config struct {
	DeviceID  string
	Directory directory.Directory
	Signaling *signaling.Client
	Metadata  directory.DeviceMetadata

	// Source captures the screen. Nil picks the primary display and
	// falls back to the synthetic test pattern when capture fails.
	Source capture.Source
	// Sink replays remote input. Nil drops input events.
	Sink inject.Sink

	// Permission decides whether to accept an incoming session. Nil
	// accepts everything.
	Permission func(s directory.Session) bool

	// NewTransport overrides the default peer data channel. Tests use
	// it to substitute an in-process pipe.
	NewTransport TransportFactory
	// NewSignaling overrides the shared Signaling client with a
	// per-session one.
	NewSignaling SignalingFactory

	// Metrics, when set, receives per-window bandwidth snapshots for
	// every session.
	Metrics *stats.Metrics
	// StatsWindow overrides the per-session monitor interval.
	StatsWindow time.Duration

	FPS           int
	JPEGQuality   int
	KeyframeEvery int
	Log           zerolog.Logger
}

// Agent is the controlled-machine daemon.
type Agent struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	active map[string]*session.Machine
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Agent, error) {
	if cfg.DeviceID == "" || cfg.Directory == nil || cfg.Signaling == nil {
		return nil, fmt.Errorf("agent: DeviceID, Directory and Signaling are required")
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = capture.DefaultJPEGQuality
	}
	if cfg.KeyframeEvery <= 0 {
		cfg.KeyframeEvery = DefaultKeyframeEvery
	}
	if cfg.Source == nil {
		cfg.Source = &fallbackSource{primary: &capture.Display{}}
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
	return &Agent{
		cfg:    cfg,
		log:    cfg.Log.With().Str("device", cfg.DeviceID).Logger(),
		active: make(map[string]*session.Machine),
	}, nil
}

// Run announces the device and serves incoming sessions until ctx is
// done. It returns ctx.Err() on shutdown.
func (a *Agent) Run(ctx context.Context) error {
	ann := &directory.Announcer{
		Directory: a.cfg.Directory,
		DeviceID:  a.cfg.DeviceID,
		Metadata:  a.cfg.Metadata,
		Log:       a.log,
	}
	go ann.Run(ctx)

	sessions, err := a.cfg.Directory.WatchSessions(ctx, a.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("agent: watch sessions: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.endAll()
			return ctx.Err()
		case s, ok := <-sessions:
			if !ok {
				a.endAll()
				return fmt.Errorf("agent: session watch closed")
			}
			if s.Status != directory.StatusPending {
				continue
			}
			go a.handleSession(ctx, s)
		}
	}
}

func (a *Agent) handleSession(ctx context.Context, s directory.Session) {
	log := a.log.With().Str("session", s.ID).Str("controller", s.ControllerID).Logger()

	if a.cfg.Permission != nil && !a.cfg.Permission(s) {
		log.Info().Msg("session denied")
		if err := a.cfg.Directory.SetSessionStatus(ctx, s.ID, directory.StatusDenied); err != nil {
			log.Warn().Err(err).Msg("could not record denial")
		}
		return
	}
	if err := a.cfg.Directory.SetSessionStatus(ctx, s.ID, directory.StatusActive); err != nil {
		// Typically ErrDeviceBusy: another session beat this one.
		log.Warn().Err(err).Msg("could not activate session")
		return
	}
	log.Info().Msg("session accepted")

	sig, releaseSig, err := a.cfg.NewSignaling(ctx, s.ID)
	if err != nil {
		log.Error().Err(err).Msg("signaling setup failed")
		a.cfg.Directory.SetSessionStatus(ctx, s.ID, directory.StatusEnded)
		return
	}
	defer releaseSig()

	tr, neg, err := a.cfg.NewTransport(ctx, s, sig)
	if err != nil {
		log.Error().Err(err).Msg("transport setup failed")
		a.cfg.Directory.SetSessionStatus(ctx, s.ID, directory.StatusEnded)
		return
	}

	m, err := session.New(session.Config{
		SessionID:   s.ID,
		Role:        signaling.FromAgent,
		Signaling:   sig,
		Transport:   tr,
		Negotiator:  neg,
		Directory:   a.cfg.Directory,
		StatsWindow: a.cfg.StatsWindow,
		Log:         log,
	})
	if err != nil {
		log.Error().Err(err).Msg("session setup failed")
		tr.Close()
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streaming := make(chan struct{})
	done := make(chan struct{})
	m.OnStateChange = func(_, to session.State) {
		switch {
		case to == session.Active:
			close(streaming)
		case to.Terminal():
			if a.cfg.Metrics != nil {
				a.cfg.Metrics.ForgetSession(s.ID)
			}
			close(done)
		}
	}
	if a.cfg.Metrics != nil {
		m.OnStats = func(snap stats.Snapshot) {
			a.cfg.Metrics.Observe(s.ID, snap)
		}
	}
	m.OnInput = func(ev input.Event) {
		if a.cfg.Sink == nil {
			return
		}
		if err := a.cfg.Sink.Inject(ev); err != nil {
			log.Warn().Err(err).Msg("input injection failed")
		}
	}

	a.track(s.ID, m)
	defer a.untrack(s.ID)

	if err := m.Start(sessCtx); err != nil {
		log.Error().Err(err).Msg("session start failed")
		return
	}

	// The controller can end the session from its side of the
	// directory; fold that into transport teardown.
	go a.watchRemoteEnd(sessCtx, s.ID, m)

	select {
	case <-streaming:
	case <-done:
		return
	case <-sessCtx.Done():
		m.End()
		return
	}

	a.stream(sessCtx, m, done, log)
}

// stream runs the capture loop until the session terminates.
func (a *Agent) stream(ctx context.Context, m *session.Machine, done <-chan struct{}, log zerolog.Logger) {
	det := capture.Detector{Quality: a.cfg.JPEGQuality}
	ticker := time.NewTicker(time.Second / time.Duration(a.cfg.FPS))
	defer ticker.Stop()

	sinceKeyframe := 0
	for {
		select {
		case <-ctx.Done():
			m.End()
			return
		case <-done:
			return
		case <-ticker.C:
		}

		img, err := a.cfg.Source.Capture()
		if err != nil {
			log.Warn().Err(err).Msg("capture failed")
			continue
		}

		regions, full := det.Detect(img)
		if !full {
			full = sinceKeyframe >= a.cfg.KeyframeEvery ||
				capture.ChangedFraction(regions, img.Bounds()) > fullFrameThreshold
		}

		if full {
			data, err := capture.EncodeJPEG(img, a.cfg.JPEGQuality)
			if err != nil {
				log.Warn().Err(err).Msg("encode failed")
				continue
			}
			if err := m.SendFrame(data); err != nil {
				log.Debug().Err(err).Msg("frame send failed")
			}
			sinceKeyframe = 0
			continue
		}

		for _, r := range regions {
			if err := m.SendRegion(
				clampU16(r.Rect.Min.X), clampU16(r.Rect.Min.Y),
				clampU16(r.Rect.Dx()), clampU16(r.Rect.Dy()),
				r.Image,
			); err != nil {
				log.Debug().Err(err).Msg("region send failed")
				break
			}
		}
		if len(regions) > 0 {
			sinceKeyframe++
		}
	}
}

func (a *Agent) watchRemoteEnd(ctx context.Context, sessionID string, m *session.Machine) {
	ch, err := a.cfg.Directory.WatchSessionStatus(ctx, sessionID)
	if err != nil {
		return
	}
	for st := range ch {
		if st.Terminal() {
			m.End()
			return
		}
	}
}

func (a *Agent) track(id string, m *session.Machine) {
	a.mu.Lock()
	a.active[id] = m
	a.mu.Unlock()
}

func (a *Agent) untrack(id string) {
	a.mu.Lock()
	delete(a.active, id)
	a.mu.Unlock()
}

func (a *Agent) endAll() {
	a.mu.Lock()
	machines := make([]*session.Machine, 0, len(a.active))
	for _, m := range a.active {
		machines = append(machines, m)
	}
	a.mu.Unlock()
	for _, m := range machines {
		m.End()
	}
}

func clampU16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}

// peerTransport is the default factory: a pion data channel negotiated
// through the signaling client.
func peerTransport(log zerolog.Logger) TransportFactory {
	return func(ctx context.Context, s directory.Session, sig *signaling.Client) (transport.Transport, session.Negotiator, error) {
		pc, err := transport.NewPeerChannel(transport.PeerConfig{
			SessionID: s.ID,
			Role:      signaling.FromAgent,
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

// fallbackSource captures the primary display and switches permanently
// to the synthetic test pattern once real capture fails, so headless
// environments still produce frames.
type fallbackSource struct {
	primary  capture.Source
	pattern  capture.TestPattern
	degraded bool
}

func (f *fallbackSource) Capture() (*image.RGBA, error) {
	if !f.degraded {
		img, err := f.primary.Capture()
		if err == nil {
			return img, nil
		}
		f.degraded = true
	}
	return f.pattern.Capture()
}
