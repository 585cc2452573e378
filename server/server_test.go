package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remotedesk/remotedesk/pkg/directory"
	"github.com/remotedesk/remotedesk/pkg/signaling"
)

func startServer(t *testing.T) (*httptest.Server, *directory.SQLite) {
	t.Helper()
	store, err := directory.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	store.PollInterval = 50 * time.Millisecond

	srv := newServer(store, zerolog.Nop())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, store
}

func TestDirectoryAPI(t *testing.T) {
	ts, _ := startServer(t)
	ctx := context.Background()
	client := &directory.HTTPClient{BaseURL: ts.URL, PollInterval: 50 * time.Millisecond}

	if err := client.Announce(ctx, "dev1", directory.HostMetadata("test")); err != nil {
		t.Fatalf("announce: %v", err)
	}

	sess, err := client.CreateSession(ctx, "dev1", "op1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != directory.StatusPending {
		t.Fatalf("new session status %s, want pending", sess.Status)
	}

	got, err := client.Session(ctx, sess.ID)
	if err != nil || got.ID != sess.ID {
		t.Fatalf("get session: %v %+v", err, got)
	}

	if err := client.SetSessionStatus(ctx, sess.ID, directory.StatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// The one-active-session invariant surfaces as a conflict.
	second, err := client.CreateSession(ctx, "dev1", "op2")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if err := client.SetSessionStatus(ctx, second.ID, directory.StatusActive); !errors.Is(err, directory.ErrDeviceBusy) {
		t.Fatalf("second activate returned %v, want ErrDeviceBusy", err)
	}

	if err := client.SetSessionStatus(ctx, sess.ID, directory.StatusEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	ts, _ := startServer(t)
	client := &directory.HTTPClient{BaseURL: ts.URL}
	if _, err := client.Session(context.Background(), "nope"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := client.CreateSession(context.Background(), "ghost", "op1"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("create against unknown device: got %v, want ErrNotFound", err)
	}
}

func TestWatchSessionsOverHTTP(t *testing.T) {
	ts, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := &directory.HTTPClient{BaseURL: ts.URL, PollInterval: 50 * time.Millisecond}

	if err := client.Announce(ctx, "dev1", directory.DeviceMetadata{}); err != nil {
		t.Fatal(err)
	}
	watch, err := client.WatchSessions(ctx, "dev1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	created, err := client.CreateSession(ctx, "dev1", "op1")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-watch:
		if got.ID != created.ID {
			t.Fatalf("watched session %s, want %s", got.ID, created.ID)
		}
	case <-ctx.Done():
		t.Fatal("session never surfaced through the watch")
	}
}

func TestSignalRelay(t *testing.T) {
	ts, _ := startServer(t)
	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"

	ctrlBus, err := signaling.DialWS(ctx, wsURL, "s1", signaling.FromController, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial controller: %v", err)
	}
	defer ctrlBus.Close()
	agentBus, err := signaling.DialWS(ctx, wsURL, "s1", signaling.FromAgent, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer agentBus.Close()

	agentCh, cancelAgent, err := agentBus.Subscribe("s1", signaling.FromAgent)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelAgent()
	ctrlCh, cancelCtrl, err := ctrlBus.Subscribe("s1", signaling.FromController)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelCtrl()

	// Give the server a beat to register both peers.
	time.Sleep(100 * time.Millisecond)

	offer := signaling.Message{
		SessionID: "s1",
		From:      signaling.FromController,
		Kind:      signaling.KindOffer,
		Payload:   []byte(`{"sdp":"v=0"}`),
	}
	if err := ctrlBus.Publish(ctx, offer); err != nil {
		t.Fatalf("publish offer: %v", err)
	}

	select {
	case got := <-agentCh:
		if got.Kind != signaling.KindOffer || string(got.Payload) != `{"sdp":"v=0"}` {
			t.Fatalf("agent received %+v", got)
		}
		if got.From != signaling.FromController {
			t.Fatalf("relay rewrote from to %q", got.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("offer never relayed")
	}

	answer := signaling.Message{
		SessionID: "s1",
		From:      signaling.FromAgent,
		Kind:      signaling.KindAnswer,
		Payload:   []byte(`{"sdp":"v=0 answer"}`),
	}
	if err := agentBus.Publish(ctx, answer); err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	select {
	case got := <-ctrlCh:
		if got.Kind != signaling.KindAnswer {
			t.Fatalf("controller received %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("answer never relayed")
	}

	// A peer does not hear its own messages back.
	select {
	case msg := <-ctrlCh:
		t.Fatalf("controller heard echo %+v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRelayRejectsBadJoin(t *testing.T) {
	ts, _ := startServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"

	// An invalid role is rejected at join time: the server closes the
	// connection, which surfaces as the bus shutting down.
	bus, err := signaling.DialWS(context.Background(), wsURL, "s1", "spectator", zerolog.Nop())
	if err != nil {
		// Close can already race the dial; either behavior is fine.
		return
	}
	defer bus.Close()

	closed := make(chan struct{})
	bus.OnClose(func(error) { close(closed) })
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server kept an invalid peer attached")
	}
}
