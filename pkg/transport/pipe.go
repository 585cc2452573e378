package transport

import (
	"fmt"
	"sync"
)

// pipeBuffer bounds how many undelivered messages one direction can
// hold before senders block.
const pipeBuffer = 256

// Pipe is an in-process Transport pair for tests and single-binary
// demos. NewPipe returns both ends; messages sent on one end arrive at
// the other in order.
type Pipe struct {
	peer *Pipe

	in      chan []byte
	maxMsg  int
	closeMu sync.Mutex
	closed  chan struct{}

	mu        sync.Mutex
	started   bool
	onMessage func([]byte)
	onReady   func()
	onClose   func(error)
}

// NewPipe creates a connected transport pair. maxMessage of zero uses
// the same 60 KB cap as the real transports.
func NewPipe(maxMessage int) (*Pipe, *Pipe) {
	if maxMessage <= 0 {
		maxMessage = wsMaxMessage
	}
	a := &Pipe{in: make(chan []byte, pipeBuffer), maxMsg: maxMessage, closed: make(chan struct{})}
	b := &Pipe{in: make(chan []byte, pipeBuffer), maxMsg: maxMessage, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers data to the other end.
func (p *Pipe) Send(data []byte) error {
	if len(data) > p.maxMsg {
		return fmt.Errorf("transport: message of %d bytes exceeds limit %d", len(data), p.maxMsg)
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	// Closed wins over a deliverable buffer: with both cases ready a
	// single select would pick at random.
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	default:
	}
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	case p.peer.in <- msg:
		return nil
	}
}

// OnMessage registers the inbound callback and starts this end's
// dispatch goroutine.
func (p *Pipe) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.onMessage = fn
	start := !p.started
	p.started = true
	p.mu.Unlock()
	if !start {
		return
	}
	go func() {
		for {
			select {
			case <-p.closed:
				return
			case msg := <-p.in:
				p.mu.Lock()
				cb := p.onMessage
				p.mu.Unlock()
				if cb != nil {
					cb(msg)
				}
			}
		}
	}()
}

// OnReady fires immediately; a pipe is born connected.
func (p *Pipe) OnReady(fn func()) {
	p.mu.Lock()
	p.onReady = fn
	p.mu.Unlock()
	if fn != nil {
		select {
		case <-p.closed:
		default:
			fn()
		}
	}
}

// OnClose registers the teardown callback.
func (p *Pipe) OnClose(fn func(error)) {
	p.mu.Lock()
	p.onClose = fn
	p.mu.Unlock()
}

// Close shuts down this end and notifies both sides. Idempotent.
func (p *Pipe) Close() error {
	p.closeEnd(nil)
	p.peer.closeEnd(ErrClosed)
	return nil
}

// MaxMessage reports the configured per-message cap.
func (p *Pipe) MaxMessage() int { return p.maxMsg }

func (p *Pipe) closeEnd(cause error) {
	p.closeMu.Lock()
	select {
	case <-p.closed:
		p.closeMu.Unlock()
		return
	default:
	}
	close(p.closed)
	p.closeMu.Unlock()

	p.mu.Lock()
	onClose := p.onClose
	p.mu.Unlock()
	if onClose != nil {
		onClose(cause)
	}
}
