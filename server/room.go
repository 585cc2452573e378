package main

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/remotedesk/remotedesk/pkg/signaling"
)

// peer is one websocket attached to a session channel.
type peer struct {
	role string // signaling.FromController or signaling.FromAgent
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

func (p *peer) send(msg signaling.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(msg)
}

// room holds the peers of one session, keyed by role. A session has at
// most one controller and one agent; a reconnect under the same role
// replaces the previous socket.
type room struct {
	sessionID string

	mu    sync.RWMutex
	peers map[string]*peer
}

// attach registers p, returning the socket it displaced, if any.
func (r *room) attach(p *peer) *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var displaced *websocket.Conn
	if old, ok := r.peers[p.role]; ok {
		displaced = old.conn
	}
	r.peers[p.role] = p
	return displaced
}

// detach removes p if it is still the registered socket for its role.
func (r *room) detach(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[p.role]; ok && cur == p {
		delete(r.peers, p.role)
	}
}

func (r *room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers) == 0
}

// relay forwards msg to every peer except the sending role.
func (r *room) relay(fromRole string, msg signaling.Message) {
	r.mu.RLock()
	targets := make([]*peer, 0, len(r.peers))
	for role, p := range r.peers {
		if role != fromRole {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range targets {
		p.send(msg)
	}
}

// roomSet manages the session channels.
type roomSet struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func newRoomSet() *roomSet {
	return &roomSet{rooms: make(map[string]*room)}
}

// get returns the room for a session, creating it on first use.
func (s *roomSet) get(sessionID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[sessionID]; ok {
		return r
	}
	r := &room{sessionID: sessionID, peers: make(map[string]*peer)}
	s.rooms[sessionID] = r
	return r
}

// reap drops the room if it has emptied out.
func (s *roomSet) reap(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[sessionID]; ok && r.empty() {
		delete(s.rooms, sessionID)
	}
}
