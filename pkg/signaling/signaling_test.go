package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// flakyBus fails the first n publishes with a transient error.
type flakyBus struct {
	failures  int
	permanent bool
	calls     int
	delivered []Message
}

func (f *flakyBus) Publish(_ context.Context, msg Message) error {
	f.calls++
	if f.calls <= f.failures {
		if f.permanent {
			return &PermanentError{Err: errors.New("credential rejected")}
		}
		return errors.New("transient network hiccup")
	}
	f.delivered = append(f.delivered, msg)
	return nil
}

func (f *flakyBus) Subscribe(string, string) (<-chan Message, func(), error) {
	return nil, nil, errors.New("not implemented")
}

func TestSendRetriesTransientFailures(t *testing.T) {
	bus := &flakyBus{failures: 3}
	c := NewClient(bus)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	err := c.Send(context.Background(), Message{SessionID: "s1", From: FromController, Kind: KindOffer})
	if err != nil {
		t.Fatal(err)
	}
	if bus.calls != 4 || len(bus.delivered) != 1 {
		t.Fatalf("calls=%d delivered=%d, want 4/1", bus.calls, len(bus.delivered))
	}
}

func TestSendBackoffDoublesAndCaps(t *testing.T) {
	bus := &flakyBus{failures: 100}
	c := NewClient(bus)
	c.RetryBase = 2 * time.Second
	c.RetryCap = 8 * time.Second
	c.RetryAttempts = 6

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	if err := c.Send(context.Background(), Message{SessionID: "s1"}); err == nil {
		t.Fatal("expected exhausted-retries error")
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestSendStopsOnPermanentError(t *testing.T) {
	bus := &flakyBus{failures: 100, permanent: true}
	c := NewClient(bus)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	err := c.Send(context.Background(), Message{SessionID: "s1"})
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if bus.calls != 1 {
		t.Fatalf("calls = %d, a permanent error must not be retried", bus.calls)
	}
}

func TestSendHonorsContextCancel(t *testing.T) {
	bus := &flakyBus{failures: 100}
	c := NewClient(bus)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := c.Send(ctx, Message{SessionID: "s1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMemoryBusRoutesBetweenPeers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	agentCh, cancelAgent, err := bus.Subscribe("s1", FromAgent)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelAgent()
	controllerCh, cancelController, err := bus.Subscribe("s1", FromController)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelController()

	offer := Message{SessionID: "s1", From: FromController, Kind: KindOffer, Payload: json.RawMessage(`"sdp"`)}
	if err := bus.Publish(context.Background(), offer); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-agentCh:
		if got.Kind != KindOffer || got.From != FromController {
			t.Fatalf("agent got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("agent never received the offer")
	}

	select {
	case got := <-controllerCh:
		t.Fatalf("controller received its own message: %+v", got)
	default:
	}
}

func TestMemoryBusIsolatesSessions(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel, _ := bus.Subscribe("s2", FromAgent)
	defer cancel()

	bus.Publish(context.Background(), Message{SessionID: "s1", From: FromController, Kind: KindOffer})

	select {
	case got := <-ch:
		t.Fatalf("cross-session leak: %+v", got)
	default:
	}
}

func TestMemoryBusCancelClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel, _ := bus.Subscribe("s1", FromAgent)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}

	// Publish to a session with no subscribers must not error.
	if err := bus.Publish(context.Background(), Message{SessionID: "s1", From: FromController}); err != nil {
		t.Fatal(err)
	}
}

func ExampleClient_Send() {
	bus := NewMemoryBus()
	ch, cancel, _ := bus.Subscribe("demo", FromAgent)
	defer cancel()

	c := NewClient(bus)
	c.Send(context.Background(), Message{
		SessionID: "demo",
		From:      FromController,
		Kind:      KindOffer,
		Payload:   json.RawMessage(`"v=0 ..."`),
	})

	msg := <-ch
	fmt.Println(msg.Kind)
	// Output: offer
}
