package progress

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestBasicPublishSubscribe verifies events reach a DropNew subscriber with a sequence stamp.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 10)
	if err := bus.Subscribe("ws-1", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(Event{RunID: "run-1", Kind: KindStarted})

	select {
	case ev := <-ch:
		if ev.RunID != "run-1" || ev.Kind != KindStarted {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", ev.Seq)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestNonBlockingPublish verifies a full subscriber drops instead of stalling the run.
func TestNonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 1)
	if err := bus.Subscribe("slow", ch); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Kind: KindFrame, Frame: 1})
		bus.Publish(Event{Kind: KindFrame, Frame: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	if ev := <-ch; ev.Frame != 1 {
		t.Errorf("Expected frame 1, got %d", ev.Frame)
	}

	stats, err := bus.Stats("slow")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Errorf("Expected 1 sent / 1 dropped, got %d / %d", stats.Sent, stats.Dropped)
	}
	if bus.Published() != 2 {
		t.Errorf("Expected 2 published, got %d", bus.Published())
	}
}

func TestSubscribeErrors(t *testing.T) {
	bus := New()

	ch := make(chan Event, 1)
	if err := bus.Subscribe("a", ch); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate id", bus.Subscribe("a", ch), ErrSubscriberExists},
		{"nil channel", bus.Subscribe("b", nil), ErrNilChannel},
		{"unknown unsubscribe", bus.Unsubscribe("missing"), ErrSubscriberNotFound},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, tt.err, tt.want)
		}
	}

	bus.Close()
	if err := bus.Subscribe("c", ch); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after Close: got %v, want ErrBusClosed", err)
	}
	if _, err := bus.SubscribeDropOld("d"); !errors.Is(err, ErrBusClosed) {
		t.Errorf("SubscribeDropOld after Close: got %v, want ErrBusClosed", err)
	}

	// Publish after close is a no-op
	bus.Publish(Event{Kind: KindFrame})
	if bus.Published() != 0 {
		t.Errorf("Expected 0 published after close, got %d", bus.Published())
	}
}

// TestDropOldKeepsLatest verifies a slow DropOld receiver sees only the newest event.
func TestDropOldKeepsLatest(t *testing.T) {
	bus := New()
	defer bus.Close()

	rx, err := bus.SubscribeDropOld("status")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := rx.TryReceive(); ok {
		t.Fatal("TryReceive on empty receiver should report false")
	}

	for i := 1; i <= 5; i++ {
		bus.Publish(Event{Kind: KindFrame, Frame: i})
	}

	ev, ok := rx.Receive()
	if !ok || ev.Frame != 5 {
		t.Fatalf("Receive() = %+v, %v; want frame 5", ev, ok)
	}

	stats, _ := bus.Stats("status")
	if stats.Dropped != 4 {
		t.Errorf("Expected 4 overwritten, got %d", stats.Dropped)
	}

	// TryReceive still peeks the latest
	if ev, ok := rx.TryReceive(); !ok || ev.Frame != 5 {
		t.Errorf("TryReceive() = %+v, %v", ev, ok)
	}
}

// TestDropOldReceiveBlocksUntilNewEvent verifies Receive does not hand out the same event twice.
func TestDropOldReceiveBlocksUntilNewEvent(t *testing.T) {
	bus := New()
	defer bus.Close()

	rx, _ := bus.SubscribeDropOld("status")
	bus.Publish(Event{Kind: KindStarted})
	if _, ok := rx.Receive(); !ok {
		t.Fatal("first Receive failed")
	}

	got := make(chan Event, 1)
	go func() {
		ev, _ := rx.Receive()
		got <- ev
	}()

	select {
	case ev := <-got:
		t.Fatalf("Receive returned stale event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Publish(Event{Kind: KindCompleted})
	select {
	case ev := <-got:
		if ev.Kind != KindCompleted {
			t.Errorf("Expected completed, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake on new event")
	}
}

func TestCloseWakesReceivers(t *testing.T) {
	bus := New()
	rx, _ := bus.SubscribeDropOld("status")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, ok := rx.Receive(); ok {
			t.Error("Receive after Close should report false")
		}
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Close()
	wg.Wait()
}

func TestConcurrentPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	const publishers, perPublisher = 4, 100
	ch := make(chan Event, publishers*perPublisher)
	bus.Subscribe("all", ch)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(Event{RunID: fmt.Sprintf("run-%d", p), Kind: KindFrame, Frame: i})
			}
		}(p)
	}
	wg.Wait()

	if got := len(ch); got != publishers*perPublisher {
		t.Errorf("Expected %d events, got %d", publishers*perPublisher, got)
	}

	seen := make(map[uint64]bool)
	for len(ch) > 0 {
		ev := <-ch
		if seen[ev.Seq] {
			t.Fatalf("duplicate seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
}

func TestKindTerminal(t *testing.T) {
	for _, k := range []Kind{KindCompleted, KindFailed} {
		if !k.Terminal() {
			t.Errorf("%s should be terminal", k)
		}
	}
	for _, k := range []Kind{KindQueued, KindStarted, KindFrame, KindFlush} {
		if k.Terminal() {
			t.Errorf("%s should not be terminal", k)
		}
	}
}
