package proxyvisor

import (
	"fmt"
	"testing"
)

func TestLogBus_PublishOrder(t *testing.T) {
	bus := NewLogBus()
	sub := bus.Subscribe(16)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(LogEvent{Instance: "a", Kind: EventOutput, Line: fmt.Sprintf("line %d", i)})
	}

	for i := 0; i < 10; i++ {
		ev := <-sub.C
		want := fmt.Sprintf("line %d", i)
		if ev.Line != want {
			t.Fatalf("event %d = %q, want %q", i, ev.Line, want)
		}
		if ev.Time.IsZero() {
			t.Error("Publish should stamp a time")
		}
	}
}

func TestLogBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewLogBus()
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(100)
	defer slow.Close()
	defer fast.Close()

	for i := 0; i < 50; i++ {
		bus.Publish(LogEvent{Instance: "a", Line: "x"})
	}

	if len(fast.C) != 50 {
		t.Errorf("fast subscriber got %d events, want 50", len(fast.C))
	}
	if len(slow.C) != 1 {
		t.Errorf("slow subscriber buffered %d events, want 1", len(slow.C))
	}
}

func TestLogBus_Close(t *testing.T) {
	bus := NewLogBus()
	sub := bus.Subscribe(4)
	bus.Close()

	if _, ok := <-sub.C; ok {
		t.Error("subscription channel should be closed")
	}

	// Both must be safe after Close.
	sub.Close()
	bus.Publish(LogEvent{Instance: "a", Line: "late"})

	late := bus.Subscribe(1)
	if _, ok := <-late.C; ok {
		t.Error("subscribing to a closed bus should yield a closed channel")
	}
}

func TestSubscription_CloseTwice(t *testing.T) {
	bus := NewLogBus()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	bus.Publish(LogEvent{Instance: "a", Line: "after close"})
	if _, ok := <-sub.C; ok {
		t.Error("closed subscription should not receive events")
	}
}
