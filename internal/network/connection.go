// Package network implements the shard's TCP transport: the per-client
// Connection with its receive loop, send path and history buffer, and the
// Listener that accepts clients and fans out their lifecycle.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shard/internal/pipeline"
)

// ErrConnectionClosed is returned by Send after Close.
var ErrConnectionClosed = errors.New("connection is closed")

var nextSessionID atomic.Uint64

// NextSessionID returns a process-wide unique, non-zero session id.
func NextSessionID() uint64 {
	return nextSessionID.Add(1)
}

// Observer receives the lifecycle of a connection. OnData is called on the
// receive goroutine in arrival order; observers must not modify the slice.
type Observer interface {
	OnConnect(c *Connection)
	OnData(c *Connection, data []byte)
	OnDisconnect(c *Connection)
	OnError(c *Connection, err error)
}

// ObserverFuncs adapts optional functions to an Observer.
type ObserverFuncs struct {
	Connect    func(c *Connection)
	Data       func(c *Connection, data []byte)
	Disconnect func(c *Connection)
	Error      func(c *Connection, err error)
}

func (o ObserverFuncs) OnConnect(c *Connection) {
	if o.Connect != nil {
		o.Connect(c)
	}
}

func (o ObserverFuncs) OnData(c *Connection, data []byte) {
	if o.Data != nil {
		o.Data(c, data)
	}
}

func (o ObserverFuncs) OnDisconnect(c *Connection) {
	if o.Disconnect != nil {
		o.Disconnect(c)
	}
}

func (o ObserverFuncs) OnError(c *Connection, err error) {
	if o.Error != nil {
		o.Error(c, err)
	}
}

// Options tunes a connection.
type Options struct {
	ReceiveBufferSize int
	HistoryCapacity   int
	WriteTimeout      time.Duration
}

const defaultReceiveBufferSize = 4096

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ReceiveBufferSize: defaultReceiveBufferSize,
		HistoryCapacity:   64 * 1024,
		WriteTimeout:      10 * time.Second,
	}
}

var receiveBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, defaultReceiveBufferSize)
		return &b
	},
}

// Connection wraps one client socket.
type Connection struct {
	id       uint64
	conn     net.Conn
	pipeline *pipeline.Pipeline
	observer Observer
	opts     Options
	logger   zerolog.Logger

	sendMu sync.Mutex

	histMu  sync.Mutex
	history *RingBuffer

	mu      sync.Mutex // guards started, cancel and stop
	started bool
	cancel  context.CancelFunc
	stop    func() bool

	closed atomic.Bool
	done   chan struct{}

	connectedAt  time.Time
	lastActivity atomic.Int64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
}

// NewConnection wraps conn. The pipeline is owned by this connection; pass
// a clone when sharing a chain between connections. A nil observer is
// allowed.
func NewConnection(conn net.Conn, p *pipeline.Pipeline, obs Observer, opts Options) *Connection {
	if p == nil {
		p = pipeline.New()
	}
	if obs == nil {
		obs = ObserverFuncs{}
	}
	if opts.ReceiveBufferSize <= 0 {
		opts.ReceiveBufferSize = defaultReceiveBufferSize
	}

	id := NextSessionID()
	now := time.Now()
	c := &Connection{
		id:          id,
		conn:        conn,
		pipeline:    p,
		observer:    obs,
		opts:        opts,
		history:     NewRingBuffer(opts.HistoryCapacity),
		done:        make(chan struct{}),
		connectedAt: now,
		logger: log.With().
			Str("component", "connection").
			Uint64("session", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Dial connects to addr and wraps the socket. The connection is not started.
func Dial(ctx context.Context, addr string, p *pipeline.Pipeline, obs Observer, opts Options) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConnection(conn, p, obs, opts), nil
}

// Start launches the receive loop. Cancelling ctx closes the connection.
// Calls after the first, or after Close, do nothing.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.closed.Load() {
		return
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stop = context.AfterFunc(ctx, func() { c.Close() })

	go c.receiveLoop(loopCtx)
}

func (c *Connection) receiveLoop(ctx context.Context) {
	// runs after Close: an inbound transform racing Close may have
	// recreated per-connection state
	defer c.pipeline.Release(c)
	defer c.Close()

	buf, release := c.receiveBuffer()
	defer release()

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			c.bytesIn.Add(uint64(n))
			c.touch()

			c.histMu.Lock()
			c.history.Write(chunk)
			c.histMu.Unlock()

			out, perr := c.pipeline.ExecuteInbound(c, chunk)
			if perr != nil {
				c.logger.Error().Err(perr).Msg("inbound transform failed, closing")
				c.observer.OnError(c, perr)
				return
			}
			if len(out) > 0 {
				c.observer.OnData(c, out)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil && !c.closed.Load() {
				c.logger.Warn().Err(err).Msg("receive failed")
				c.observer.OnError(c, err)
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

func (c *Connection) receiveBuffer() ([]byte, func()) {
	if c.opts.ReceiveBufferSize != defaultReceiveBufferSize {
		return make([]byte, c.opts.ReceiveBufferSize), func() {}
	}
	bp := receiveBuffers.Get().(*[]byte)
	return *bp, func() { receiveBuffers.Put(bp) }
}

// Send runs payload through the outbound pipeline and writes the result.
// Concurrent calls never interleave on the wire. Any failure closes the
// connection.
func (c *Connection) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// Stateful transforms rely on transform and write happening as one step.
	out, err := c.pipeline.ExecuteOutbound(c, payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("outbound transform failed, closing")
		c.observer.OnError(c, err)
		c.Close()
		return err
	}
	if c.closed.Load() {
		// Close ran while the transform was in flight
		c.pipeline.Release(c)
		return ErrConnectionClosed
	}
	if len(out) == 0 {
		return nil
	}

	if c.opts.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	for len(out) > 0 {
		if c.closed.Load() {
			return ErrConnectionClosed
		}
		n, err := c.conn.Write(out)
		c.bytesOut.Add(uint64(n))
		out = out[n:]
		if err != nil {
			c.Close()
			if errors.Is(err, net.ErrClosed) {
				return ErrConnectionClosed
			}
			return fmt.Errorf("send: %w", err)
		}
	}
	c.touch()
	return nil
}

// Close shuts the connection down. Only the first call has any effect and
// only it notifies the observer.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	cancel, stop := c.cancel, c.stop
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}

	if hc, ok := c.conn.(interface {
		CloseRead() error
		CloseWrite() error
	}); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
	}
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	c.pipeline.Release(c)
	close(c.done)

	c.logger.Debug().
		Uint64("bytes_in", c.bytesIn.Load()).
		Uint64("bytes_out", c.bytesOut.Load()).
		Msg("connection closed")
	c.observer.OnDisconnect(c)
	return err
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// AvailableBytes returns the number of bytes held in the history buffer.
func (c *Connection) AvailableBytes() int {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	return c.history.Len()
}

// Peek returns up to n of the most recently received bytes without
// consuming them. A negative n returns everything retained.
func (c *Connection) Peek(n int) []byte {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	return c.history.Peek(n)
}

// Consume drops up to n of the oldest retained bytes.
func (c *Connection) Consume(n int) int {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	return c.history.Consume(n)
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// ID returns the session id.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Pipeline returns the connection's own transformer chain.
func (c *Connection) Pipeline() *pipeline.Pipeline { return c.pipeline }

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the last read or write.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// BytesIn returns the number of raw bytes received.
func (c *Connection) BytesIn() uint64 { return c.bytesIn.Load() }

// BytesOut returns the number of raw bytes written.
func (c *Connection) BytesOut() uint64 { return c.bytesOut.Load() }
