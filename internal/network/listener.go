package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shard/internal/events"
	"github.com/energizer-project/shard/internal/pipeline"
)

const eventSource = "listener"

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Address        string
	MaxConnections int // 0 means unlimited
	Options        Options
}

// Listener accepts client connections and fans their lifecycle out to the
// subscribed observers and the event bus.
type Listener struct {
	cfg      ListenerConfig
	eventBus *events.EventBus
	pipeline *pipeline.Pipeline
	registry *ConnectionRegistry
	logger   zerolog.Logger

	obsMu     sync.Mutex
	observers []Observer

	mu         sync.Mutex
	started    bool
	stopped    bool
	ln         net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
	acceptDone chan struct{}
}

// NewListener creates a listener. eventBus may be nil.
func NewListener(cfg ListenerConfig, eventBus *events.EventBus) *Listener {
	if cfg.Options.ReceiveBufferSize <= 0 {
		cfg.Options = DefaultOptions()
	}
	return &Listener{
		cfg:      cfg,
		eventBus: eventBus,
		pipeline: pipeline.New(),
		registry: NewConnectionRegistry(),
		logger:   log.With().Str("component", "listener").Logger(),
	}
}

// Pipeline returns the chain each newly accepted connection is given a
// snapshot of. Changes do not reach connections already accepted.
func (l *Listener) Pipeline() *pipeline.Pipeline { return l.pipeline }

// Subscribe adds an observer for every connection accepted from now on.
func (l *Listener) Subscribe(obs Observer) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()

	next := make([]Observer, len(l.observers), len(l.observers)+1)
	copy(next, l.observers)
	l.observers = append(next, obs)
}

func (l *Listener) snapshotObservers() []Observer {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	return l.observers
}

// Start binds the configured address and begins accepting. Only the first
// call has any effect.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil
	}

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Address, err)
	}

	l.started = true
	l.ln = ln
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.acceptDone = make(chan struct{})

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("listener started")
	l.eventBus.Emit(l.ctx, events.Event{
		Type:    events.EventListenerStarted,
		Source:  eventSource,
		Payload: events.ListenerPayload{Address: ln.Addr().String()},
	})

	go l.acceptLoop(l.ctx, ln, l.acceptDone)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Debug().Msg("accept loop stopping")
				return
			}
			backoff = nextBackoff(backoff)
			l.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = 0

		if limit := l.cfg.MaxConnections; limit > 0 && l.registry.Count() >= limit {
			l.logger.Warn().
				Str("remote", raw.RemoteAddr().String()).
				Int("max", limit).
				Msg("connection limit reached, refusing")
			raw.Close()
			continue
		}

		l.accept(ctx, raw)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (l *Listener) accept(ctx context.Context, raw net.Conn) {
	conn := NewConnection(raw, l.pipeline.Clone(), &fanout{l: l, observers: l.snapshotObservers()}, l.cfg.Options)
	l.registry.Register(conn)

	conn.logger.Info().Msg("client connected")
	l.eventBus.Emit(ctx, events.Event{
		Type:   events.EventSessionConnected,
		Source: eventSource,
		Payload: events.ConnectionPayload{
			SessionID: conn.ID(),
			Remote:    raw.RemoteAddr().String(),
		},
	})

	conn.observer.OnConnect(conn)
	conn.Start(ctx)
}

// Stop closes the listening socket, waits for the accept loop and closes
// every tracked connection. Only the first call has any effect.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	ln, cancel, done := l.ln, l.cancel, l.acceptDone
	l.mu.Unlock()

	cancel()
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Warn().Err(err).Msg("failed to close listening socket")
	}
	<-done

	l.registry.CloseAll()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("listener stopped")
	l.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventListenerStopped,
		Source:  eventSource,
		Payload: events.ListenerPayload{Address: ln.Addr().String()},
	})
}

// Connection returns a live connection by session id.
func (l *Listener) Connection(id uint64) (*Connection, bool) {
	return l.registry.Get(id)
}

// Connections returns the live connections ordered by session id.
func (l *Listener) Connections() []*Connection { return l.registry.All() }

// Count returns the number of live connections.
func (l *Listener) Count() int { return l.registry.Count() }

// Registry exposes the connection table.
func (l *Listener) Registry() *ConnectionRegistry { return l.registry }

// CleanStale closes connections idle for longer than timeout.
func (l *Listener) CleanStale(timeout time.Duration) int {
	return l.registry.CleanStale(timeout)
}

// fanout forwards one connection's lifecycle to the listener's observers,
// isolating each from the others' panics.
type fanout struct {
	l         *Listener
	observers []Observer
}

func (f *fanout) each(c *Connection, what string, fn func(Observer)) {
	for _, o := range f.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Interface("panic", r).Str("callback", what).Msg("observer panicked")
				}
			}()
			fn(o)
		}()
	}
}

func (f *fanout) OnConnect(c *Connection) {
	f.each(c, "connect", func(o Observer) { o.OnConnect(c) })
}

func (f *fanout) OnData(c *Connection, data []byte) {
	f.each(c, "data", func(o Observer) { o.OnData(c, data) })
}

func (f *fanout) OnDisconnect(c *Connection) {
	f.l.registry.Unregister(c.ID())

	c.logger.Info().Dur("duration", time.Since(c.ConnectedAt())).Msg("client disconnected")
	f.l.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionDisconnected,
		Source: eventSource,
		Payload: events.ConnectionPayload{
			SessionID: c.ID(),
			Remote:    c.RemoteAddr().String(),
			BytesIn:   c.BytesIn(),
			BytesOut:  c.BytesOut(),
			Duration:  time.Since(c.ConnectedAt()),
		},
	})

	f.each(c, "disconnect", func(o Observer) { o.OnDisconnect(c) })
}

func (f *fanout) OnError(c *Connection, err error) {
	var fault *pipeline.FaultError
	f.l.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventConnectionError,
		Source: eventSource,
		Payload: events.ConnectionErrorPayload{
			SessionID: c.ID(),
			Remote:    c.RemoteAddr().String(),
			Error:     err.Error(),
			Fault:     errors.As(err, &fault),
		},
	})

	f.each(c, "error", func(o Observer) { o.OnError(c, err) })
}
