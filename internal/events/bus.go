package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans lifecycle events out to named subscribers. Emit never
// blocks the caller: every handler runs on its own goroutine, so a slow
// subscriber cannot stall a connection's receive loop.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool
	done     chan struct{}
	inflight sync.WaitGroup
	logger   zerolog.Logger
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		done:     make(chan struct{}),
		logger:   log.With().Str("component", "events").Logger(),
	}
}

// Subscribe adds handler for eventType under name. Handler slices are
// replaced, never appended in place, so emitters may keep a snapshot.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	current := eb.handlers[eventType]
	next := make([]handlerEntry, len(current), len(current)+1)
	copy(next, current)
	eb.handlers[eventType] = append(next, handlerEntry{name: name, handler: handler})

	eb.logger.Debug().Str("event", string(eventType)).Str("handler", name).Msg("subscribed")
}

// Unsubscribe removes every handler registered for eventType under name.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	current := eb.handlers[eventType]
	next := make([]handlerEntry, 0, len(current))
	for _, h := range current {
		if h.name != name {
			next = append(next, h)
		}
	}
	if len(next) == 0 {
		delete(eb.handlers, eventType)
	} else {
		eb.handlers[eventType] = next
	}

	eb.logger.Debug().Str("event", string(eventType)).Str("handler", name).Msg("unsubscribed")
}

// snapshot returns the handlers for t and reserves an in-flight slot for
// each of them. It returns nil once the bus is stopped.
func (eb *EventBus) snapshot(t EventType) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return nil
	}
	hs := eb.handlers[t]
	eb.inflight.Add(len(hs))
	return hs
}

// Emit publishes event without waiting for handlers. A nil bus drops the
// event.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if eb == nil {
		return
	}
	stamp(&event)

	hs := eb.snapshot(event.Type)
	if len(hs) == 0 {
		return
	}
	eb.logger.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(hs)).
		Msg("emitting event")

	for _, h := range hs {
		h := h
		go func() {
			defer eb.inflight.Done()
			eb.invoke(ctx, h, event)
		}()
	}
}

// EmitSync publishes event and waits for every handler. It returns the
// first handler error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if eb == nil {
		return nil
	}
	stamp(&event)

	hs := eb.snapshot(event.Type)
	if len(hs) == 0 {
		return nil
	}

	errs := make([]error, len(hs))
	var wg sync.WaitGroup
	for i, h := range hs {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer eb.inflight.Done()
			errs[i] = eb.invoke(ctx, h, event)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// invoke runs one handler, converting a panic into a logged failure.
func (eb *EventBus) invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		eb.logger.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

func stamp(e *Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
}

// Stop refuses further events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.done)
	eb.mu.Unlock()

	eb.inflight.Wait()
	eb.logger.Info().Msg("event bus stopped")
}

// Done is closed once Stop has been called.
func (eb *EventBus) Done() <-chan struct{} {
	return eb.done
}

// HandlerCount returns the number of handlers subscribed to eventType.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
