package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/remotedesk/remotedesk/agent"
	"github.com/remotedesk/remotedesk/pkg/capture"
	"github.com/remotedesk/remotedesk/pkg/directory"
	"github.com/remotedesk/remotedesk/pkg/frame"
	"github.com/remotedesk/remotedesk/pkg/input"
	"github.com/remotedesk/remotedesk/pkg/signaling"
	"github.com/remotedesk/remotedesk/pkg/transport"
	"github.com/remotedesk/remotedesk/session"
)

type recordingSink struct {
	mu     sync.Mutex
	events []input.Event
}

func (s *recordingSink) Inject(ev input.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// pipeRendezvous hands matching pipe ends to the agent-side and
// controller-side transport factories of the same session.
type pipeRendezvous struct {
	mu    sync.Mutex
	ready map[string]chan transport.Transport
}

func newPipeRendezvous() *pipeRendezvous {
	return &pipeRendezvous{ready: map[string]chan transport.Transport{}}
}

func (p *pipeRendezvous) agentSide(_ context.Context, s directory.Session, _ *signaling.Client) (transport.Transport, session.Negotiator, error) {
	a, b := transport.NewPipe(frame.DefaultMaxMessage)
	p.mu.Lock()
	ch, ok := p.ready[s.ID]
	if !ok {
		ch = make(chan transport.Transport, 1)
		p.ready[s.ID] = ch
	}
	p.mu.Unlock()
	ch <- b
	return a, nil, nil
}

func (p *pipeRendezvous) controllerSide(ctx context.Context, s directory.Session, _ *signaling.Client) (transport.Transport, session.Negotiator, error) {
	p.mu.Lock()
	ch, ok := p.ready[s.ID]
	if !ok {
		ch = make(chan transport.Transport, 1)
		p.ready[s.ID] = ch
	}
	p.mu.Unlock()
	select {
	case tr := <-ch:
		return tr, nil, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(2 * time.Second):
		return nil, nil, errors.New("no agent transport")
	}
}

type rig struct {
	dir  *directory.Memory
	sink *recordingSink
	ctrl *Controller
}

func startRig(t *testing.T, ctx context.Context, permission func(directory.Session) bool) *rig {
	t.Helper()
	dir := directory.NewMemory()
	bus := signaling.NewMemoryBus()
	sink := &recordingSink{}
	rv := newPipeRendezvous()

	ag, err := agent.New(agent.Config{
		DeviceID:     "dev1",
		Directory:    dir,
		Signaling:    signaling.NewClient(bus),
		Source:       &capture.TestPattern{Width: 160, Height: 120},
		Sink:         sink,
		Permission:   permission,
		NewTransport: rv.agentSide,
		FPS:          30,
	})
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	go ag.Run(ctx)

	ctrl, err := New(Config{
		ControllerID: "op1",
		Directory:    dir,
		Signaling:    signaling.NewClient(bus),
		NewTransport: rv.controllerSide,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return &rig{dir: dir, sink: sink, ctrl: ctrl}
}

func TestDialStreamsAndControls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := startRig(t, ctx, nil)

	conn, err := r.ctrl.Dial(ctx, "dev1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	frames := make(chan []byte, 4)
	conn.Machine().OnFrame = func(image []byte) {
		select {
		case frames <- image:
		default:
		}
	}
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case f := <-frames:
		if len(f) < 2 || f[0] != 0xFF {
			t.Fatal("frame is not a JPEG")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame arrived")
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != session.Active && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := conn.SendPointerButton(input.ButtonLeft, true); err != nil {
		t.Fatalf("send button: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for r.sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.sink.count() == 0 {
		t.Fatal("input never reached the agent")
	}
	conn.End()
}

func TestDialDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := startRig(t, ctx, func(directory.Session) bool { return false })

	_, err := r.ctrl.Dial(ctx, "dev1")
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("dial returned %v, want ErrDenied", err)
	}
}

func TestDialUnknownDevice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := startRig(t, ctx, nil)

	if _, err := r.ctrl.Dial(ctx, "ghost"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("dial returned %v, want ErrNotFound", err)
	}
}

func TestMoveThrottling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := startRig(t, ctx, nil)

	conn, err := r.ctrl.Dial(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != session.Active && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// A tight burst of moves must be thinned to the rate cap.
	for i := 0; i < 100; i++ {
		if err := conn.SendPointerMove(float64(i)/100, 0.5); err != nil {
			t.Fatalf("move: %v", err)
		}
	}
	time.Sleep(300 * time.Millisecond)
	if n := r.sink.count(); n > 10 {
		t.Fatalf("%d moves reached the agent, want at most a few", n)
	}
	conn.End()
}

func TestKeyRepeatSuppressed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := startRig(t, ctx, nil)

	conn, err := r.ctrl.Dial(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != session.Active && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	down := input.Key{Code: "KeyA", Down: true}
	for i := 0; i < 5; i++ {
		if err := conn.SendKey(down); err != nil {
			t.Fatalf("key: %v", err)
		}
	}
	if err := conn.SendKey(input.Key{Code: "KeyA"}); err != nil {
		t.Fatalf("key up: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for r.sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := r.sink.count(); n != 2 {
		t.Fatalf("agent saw %d key events, want down+up only", n)
	}
	conn.End()
}
