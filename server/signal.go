package main

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/remotedesk/remotedesk/pkg/signaling"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSignal upgrades the connection and relays handshake messages
// between a session's two peers. The first message must be a join
// naming the session and the caller's role; everything after it is
// forwarded verbatim to the other side.
func (s *server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var join signaling.Message
	if err := conn.ReadJSON(&join); err != nil {
		return
	}
	if join.Kind != signaling.KindJoin || join.SessionID == "" || !validRole(join.From) {
		s.log.Warn().Str("kind", join.Kind).Str("from", join.From).Msg("rejecting bad join")
		return
	}

	log := s.log.With().Str("session", join.SessionID).Str("peer", join.From).Logger()
	p := &peer{role: join.From, conn: conn}
	room := s.rooms.get(join.SessionID)
	if displaced := room.attach(p); displaced != nil {
		log.Info().Msg("replacing previous connection for role")
		displaced.Close()
	}
	defer func() {
		room.detach(p)
		s.rooms.reap(join.SessionID)
		log.Debug().Msg("peer left signaling channel")
	}()
	log.Debug().Msg("peer joined signaling channel")

	for {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Kind == signaling.KindJoin {
			continue
		}
		if msg.SessionID != join.SessionID {
			log.Warn().Str("got", msg.SessionID).Msg("dropping message for other session")
			continue
		}
		msg.From = p.role // the relay, not the client, is authoritative
		room.relay(p.role, msg)
	}
}

func validRole(role string) bool {
	return role == signaling.FromController || role == signaling.FromAgent
}
