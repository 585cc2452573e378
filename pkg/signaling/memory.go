package signaling

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-binary setups.
// Safe for concurrent use by any number of session peers.
type MemoryBus struct {
	mu       sync.Mutex
	sessions map[string]map[string][]chan Message // sessionID -> peer -> subscriber channels
	closed   bool
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{sessions: make(map[string]map[string][]chan Message)}
}

// Publish delivers msg to every subscriber of msg.SessionID whose peer
// role differs from msg.From. A subscriber that has stopped draining
// its channel loses messages rather than blocking the publisher.
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}
	for peer, subs := range b.sessions[msg.SessionID] {
		if peer == msg.From {
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- msg:
			default:
			}
		}
	}
	return nil
}

// Subscribe registers a receive channel for the session and peer role.
func (b *MemoryBus) Subscribe(sessionID, peer string) (<-chan Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("memory bus closed")
	}

	ch := make(chan Message, 64)
	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[string][]chan Message)
	}
	b.sessions[sessionID][peer] = append(b.sessions[sessionID][peer], ch)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.sessions[sessionID][peer]
		for i, c := range subs {
			if c == ch {
				b.sessions[sessionID][peer] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		if len(b.sessions[sessionID][peer]) == 0 {
			delete(b.sessions[sessionID], peer)
		}
		if len(b.sessions[sessionID]) == 0 {
			delete(b.sessions, sessionID)
		}
	}
	return ch, cancel, nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, peers := range b.sessions {
		for _, subs := range peers {
			for _, ch := range subs {
				close(ch)
			}
		}
	}
	b.sessions = nil
}
