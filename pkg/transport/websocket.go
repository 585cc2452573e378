package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// wsMaxMessage matches the peer channel's cap so callers can chunk the
// same way regardless of which transport a session ended up on.
const wsMaxMessage = 60000

// WS is the duplex-socket fallback Transport: a plain websocket where
// negotiation degenerates to the connect handshake. Ready as soon as it
// is constructed.
type WS struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	started   bool
	closed    bool
	onMessage func([]byte)
	onReady   func()
	onClose   func(error)
}

// DialWS connects to a websocket endpoint and wraps it as a Transport.
func DialWS(ctx context.Context, url string) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return WrapWS(conn), nil
}

// WrapWS adopts an already-open websocket connection, for the accepting
// side of the fallback path.
func WrapWS(conn *websocket.Conn) *WS {
	return &WS{conn: conn}
}

// Send writes one binary message.
func (w *WS) Send(data []byte) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(data) > wsMaxMessage {
		return fmt.Errorf("transport: message of %d bytes exceeds limit %d", len(data), wsMaxMessage)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// OnMessage registers the inbound callback and starts the read loop on
// first registration. Messages are dispatched in arrival order from a
// single goroutine.
func (w *WS) OnMessage(fn func([]byte)) {
	w.mu.Lock()
	w.onMessage = fn
	start := !w.started && !w.closed
	w.started = w.started || start
	w.mu.Unlock()
	if start {
		go w.readLoop()
	}
}

// OnReady fires immediately: a dialed or accepted socket is already
// open.
func (w *WS) OnReady(fn func()) {
	w.mu.Lock()
	closed := w.closed
	w.onReady = fn
	w.mu.Unlock()
	if fn != nil && !closed {
		fn()
	}
}

// OnClose registers the teardown callback.
func (w *WS) OnClose(fn func(error)) {
	w.mu.Lock()
	w.onClose = fn
	w.mu.Unlock()
}

// Close shuts the socket down. Idempotent.
func (w *WS) Close() error {
	w.shutdown(nil)
	return nil
}

// MaxMessage reports the per-message payload cap.
func (w *WS) MaxMessage() int { return wsMaxMessage }

func (w *WS) readLoop() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.shutdown(err)
			return
		}
		w.mu.Lock()
		onMessage := w.onMessage
		w.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (w *WS) shutdown(cause error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	onClose := w.onClose
	w.mu.Unlock()

	w.conn.Close()
	if onClose != nil {
		onClose(cause)
	}
}
