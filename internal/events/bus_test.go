package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 2)
	bus.Subscribe(EventSessionConnected, "a", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})
	bus.Subscribe(EventSessionConnected, "b", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})

	bus.Emit(context.Background(), Event{
		Type:    EventSessionConnected,
		Payload: ConnectionPayload{SessionID: 7},
	})

	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			if e.Payload.(ConnectionPayload).SessionID != 7 {
				t.Errorf("payload = %+v", e.Payload)
			}
			if e.Time.IsZero() {
				t.Error("event time not stamped")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for handler")
		}
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	done := make(chan struct{})
	bus.Subscribe(EventFrameRejected, "panics", func(context.Context, Event) error {
		panic("boom")
	})
	bus.Subscribe(EventFrameRejected, "ok", func(context.Context, Event) error {
		close(done)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventFrameRejected})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy handler did not run")
	}
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	want := errors.New("refused")
	bus.Subscribe(EventShutdown, "fails", func(context.Context, Event) error { return want })

	if err := bus.EmitSync(context.Background(), Event{Type: EventShutdown}); !errors.Is(err, want) {
		t.Errorf("EmitSync() error = %v, want %v", err, want)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventSpeech, "counter", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	bus.Unsubscribe(EventSpeech, "counter")

	if n := bus.HandlerCount(EventSpeech); n != 0 {
		t.Fatalf("HandlerCount() = %d, want 0", n)
	}
	bus.EmitSync(context.Background(), Event{Type: EventSpeech})
	if calls.Load() != 0 {
		t.Error("unsubscribed handler ran")
	}
}

func TestStopIsIdempotentAndDropsEvents(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventSpeech, "counter", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	bus.Stop()
	bus.Stop()

	bus.Emit(context.Background(), Event{Type: EventSpeech})
	if calls.Load() != 0 {
		t.Error("handler ran after Stop")
	}
	select {
	case <-bus.Done():
	default:
		t.Error("Done() not closed")
	}
}

func TestNilBusEmit(t *testing.T) {
	var bus *EventBus
	bus.Emit(context.Background(), Event{Type: EventSpeech})
}
