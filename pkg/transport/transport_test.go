package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// collector gathers inbound messages and lifecycle events from one
// transport end.
type collector struct {
	mu     sync.Mutex
	msgs   [][]byte
	ready  int
	closed int
	cause  error
	gotMsg chan struct{}
}

func collect(tr Transport) *collector {
	c := &collector{gotMsg: make(chan struct{}, 64)}
	tr.OnReady(func() {
		c.mu.Lock()
		c.ready++
		c.mu.Unlock()
	})
	tr.OnClose(func(err error) {
		c.mu.Lock()
		c.closed++
		c.cause = err
		c.mu.Unlock()
	})
	tr.OnMessage(func(data []byte) {
		c.mu.Lock()
		c.msgs = append(c.msgs, data)
		c.mu.Unlock()
		c.gotMsg <- struct{}{}
	})
	return c
}

func (c *collector) waitMsgs(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		have := len(c.msgs)
		c.mu.Unlock()
		if have >= n {
			break
		}
		select {
		case <-c.gotMsg:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, have %d", n, have)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := NewPipe(0)
	defer a.Close()

	cb := collect(b)
	collect(a)

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range want {
		if err := a.Send(m); err != nil {
			t.Fatal(err)
		}
	}

	got := cb.waitMsgs(t, 3)
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPipeReadyAndClose(t *testing.T) {
	a, b := NewPipe(0)
	ca := collect(a)
	cb := collect(b)

	if ca.ready != 1 || cb.ready != 1 {
		t.Fatalf("ready counts %d/%d, a pipe is born connected", ca.ready, cb.ready)
	}

	a.Close()
	a.Close()

	ca.mu.Lock()
	cb.mu.Lock()
	defer ca.mu.Unlock()
	defer cb.mu.Unlock()
	if ca.closed != 1 || cb.closed != 1 {
		t.Fatalf("close counts %d/%d, want exactly 1 each", ca.closed, cb.closed)
	}

	// The buffer still has room, so a racy select could deliver instead
	// of reporting the close. Every attempt must refuse.
	for i := 0; i < 100; i++ {
		if err := a.Send([]byte("x")); err != ErrClosed {
			t.Fatalf("Send after close = %v, want ErrClosed", err)
		}
		if err := b.Send([]byte("x")); err != ErrClosed {
			t.Fatalf("peer Send after close = %v, want ErrClosed", err)
		}
	}
}

func TestPipeEnforcesMessageCap(t *testing.T) {
	a, _ := NewPipe(10)
	if err := a.Send(make([]byte, 11)); err == nil {
		t.Fatal("oversized message accepted")
	}
	if a.MaxMessage() != 10 {
		t.Fatalf("MaxMessage = %d", a.MaxMessage())
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer upgrades and wraps the server side of each connection with
// WrapWS, echoing every message back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ws := WrapWS(conn)
		ws.OnMessage(func(data []byte) {
			if err := ws.Send(data); err != nil {
				return
			}
		})
	}))
}

func TestWSRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, err := DialWS(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	c := collect(ws)
	if c.ready != 1 {
		t.Fatal("dialed websocket must be ready immediately")
	}

	payload := bytes.Repeat([]byte{0xFF, 0x00}, 1000)
	if err := ws.Send(payload); err != nil {
		t.Fatal(err)
	}

	got := c.waitMsgs(t, 1)
	if !bytes.Equal(got[0], payload) {
		t.Fatalf("echo mangled %d bytes", len(payload))
	}
}

func TestWSCloseFiresOnce(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, err := DialWS(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}

	c := collect(ws)
	ws.Close()
	ws.Close()
	time.Sleep(50 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != 1 {
		t.Fatalf("close fired %d times", c.closed)
	}
	if err := ws.Send([]byte("x")); err != ErrClosed {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

func TestWSRejectsOversizedMessage(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, err := DialWS(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	if err := ws.Send(make([]byte, wsMaxMessage+1)); err == nil {
		t.Fatal("oversized message accepted")
	}
}
