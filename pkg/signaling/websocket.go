package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// KindJoin is the bus-level envelope that attaches a peer to its
// session channel on the relay server. It never reaches the other peer.
const KindJoin = "join"

// WSBus is a Bus bound to one session over a websocket relay server.
// The relay forwards each published message to the session's other
// peer. One WSBus serves exactly one (session, peer) pair.
type WSBus struct {
	sessionID string
	peer      string
	conn      *websocket.Conn
	log       zerolog.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	subs    []chan Message
	closed  bool
	onOpen  func()
	onClose func(error)
	onError func(error)
}

// DialWS connects to the relay at url (for example
// "ws://relay:8080/signal"), joins the session channel, and starts the
// read loop.
func DialWS(ctx context.Context, url, sessionID, peer string, log zerolog.Logger) (*WSBus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}

	b := &WSBus{
		sessionID: sessionID,
		peer:      peer,
		conn:      conn,
		log:       log.With().Str("session", sessionID).Str("peer", peer).Logger(),
	}

	join := Message{SessionID: sessionID, From: peer, Kind: KindJoin}
	if err := b.write(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("signaling: join: %w", err)
	}

	go b.readLoop()
	return b, nil
}

// OnOpen registers the connection-established callback and fires it
// immediately, since DialWS returns an open connection.
func (b *WSBus) OnOpen(fn func()) {
	b.mu.Lock()
	b.onOpen = fn
	closed := b.closed
	b.mu.Unlock()
	if fn != nil && !closed {
		fn()
	}
}

// OnClose registers the connection-lost callback.
func (b *WSBus) OnClose(fn func(error)) {
	b.mu.Lock()
	b.onClose = fn
	b.mu.Unlock()
}

// OnError registers the soft-error callback (failed writes the caller
// is retrying anyway).
func (b *WSBus) OnError(fn func(error)) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

// Publish sends msg to the relay. Messages for a different session are
// a programming error.
func (b *WSBus) Publish(_ context.Context, msg Message) error {
	if msg.SessionID != b.sessionID {
		return &PermanentError{Err: fmt.Errorf("bus bound to session %s, got %s", b.sessionID, msg.SessionID)}
	}
	if err := b.write(msg); err != nil {
		b.mu.Lock()
		onError := b.onError
		b.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return err
	}
	return nil
}

// Subscribe registers a receive channel. The arguments must match the
// pair the bus was dialed for.
func (b *WSBus) Subscribe(sessionID, peer string) (<-chan Message, func(), error) {
	if sessionID != b.sessionID || peer != b.peer {
		return nil, nil, fmt.Errorf("signaling: bus bound to %s/%s, subscribe asked for %s/%s",
			b.sessionID, b.peer, sessionID, peer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("signaling: bus closed")
	}
	ch := make(chan Message, 64)
	b.subs = append(b.subs, ch)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

// Close tears the relay connection down.
func (b *WSBus) Close() error {
	return b.conn.Close()
}

func (b *WSBus) write(msg Message) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(msg)
}

func (b *WSBus) readLoop() {
	for {
		var msg Message
		if err := b.conn.ReadJSON(&msg); err != nil {
			b.shutdown(err)
			return
		}
		if msg.Kind == KindJoin {
			continue
		}

		b.mu.Lock()
		subs := make([]chan Message, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- msg:
			default:
				b.log.Warn().Str("kind", msg.Kind).Msg("subscriber not draining, message lost")
			}
		}
	}
}

func (b *WSBus) shutdown(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	onClose := b.onClose
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	b.conn.Close()
	if onClose != nil {
		onClose(err)
	}
}
