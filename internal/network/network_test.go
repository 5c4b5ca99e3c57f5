package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/shard/internal/events"
	"github.com/energizer-project/shard/internal/pipeline"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		t.Fatalf("failed to dial: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for client connection")
	}
	return nil, nil
}

var upper = pipeline.Func("upper", func(_ pipeline.Conn, d []byte) ([]byte, error) {
	return bytes.ToUpper(d), nil
}, nil)

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer(4)
	r.Write([]byte("ab"))
	r.Write([]byte("cde"))
	if got := string(r.Peek(-1)); got != "bcde" {
		t.Fatalf("Peek(-1) = %q, want bcde", got)
	}
	if got := string(r.Peek(2)); got != "de" {
		t.Errorf("Peek(2) = %q, want de", got)
	}
	if n := r.Consume(3); n != 3 {
		t.Errorf("Consume(3) = %d", n)
	}
	if got := string(r.Peek(-1)); got != "e" {
		t.Errorf("Peek(-1) after consume = %q, want e", got)
	}
	r.Write([]byte("fghijk"))
	if got := string(r.Peek(10)); got != "hijk" {
		t.Errorf("Peek(10) = %q, want hijk", got)
	}
	if n := r.Consume(10); n != 4 || r.Len() != 0 {
		t.Errorf("Consume(10) = %d, Len() = %d", n, r.Len())
	}

	empty := NewRingBuffer(0)
	empty.Write([]byte("x"))
	if empty.Len() != 0 || len(empty.Peek(-1)) != 0 {
		t.Error("zero capacity buffer retained data")
	}
	if n := empty.Consume(1); n != 0 {
		t.Errorf("Consume() on zero capacity = %d, want 0", n)
	}
}

func TestConnectionWithoutHistory(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := NewConnection(serverConn, nil, nil, Options{HistoryCapacity: 0})
	defer conn.Close()

	if n := conn.Consume(2); n != 0 {
		t.Errorf("Consume() = %d, want 0", n)
	}
	if n := conn.AvailableBytes(); n != 0 {
		t.Errorf("AvailableBytes() = %d, want 0", n)
	}
}

func TestConnectionHistory(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	received := make(chan struct{}, 8)
	var total atomic.Int64
	obs := ObserverFuncs{Data: func(_ *Connection, d []byte) {
		total.Add(int64(len(d)))
		received <- struct{}{}
	}}

	conn := NewConnection(serverConn, nil, obs, Options{HistoryCapacity: 16})
	conn.Start(context.Background())
	defer conn.Close()

	if _, err := clientConn.Write([]byte("abcdef")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	deadline := time.After(2 * time.Second)
	for total.Load() < 6 {
		select {
		case <-received:
		case <-deadline:
			t.Fatalf("timeout, received %d bytes", total.Load())
		}
	}

	if n := conn.AvailableBytes(); n != 6 {
		t.Fatalf("AvailableBytes() = %d, want 6", n)
	}
	if got := string(conn.Peek(-1)); got != "abcdef" {
		t.Errorf("Peek() = %q, want abcdef", got)
	}
	conn.Consume(2)
	if n := conn.AvailableBytes(); n != 4 {
		t.Errorf("AvailableBytes() = %d, want 4", n)
	}
	if got := string(conn.Peek(-1)); got != "cdef" {
		t.Errorf("Peek() = %q, want cdef", got)
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	var disconnects atomic.Int32
	conn := NewConnection(serverConn, nil, ObserverFuncs{
		Disconnect: func(*Connection) { disconnects.Add(1) },
	}, DefaultOptions())
	conn.Start(context.Background())

	conn.Close()
	conn.Close()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed")
	}
	// give the receive loop time to exit and hit Close again
	time.Sleep(50 * time.Millisecond)
	if n := disconnects.Load(); n != 1 {
		t.Errorf("disconnect notifications = %d, want 1", n)
	}
	if err := conn.Send([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send() after Close error = %v, want ErrConnectionClosed", err)
	}
}

type compressAll struct{}

func (compressAll) CompressionEnabled(uint64) bool { return true }
func (compressAll) EncryptionEnabled(uint64) bool  { return false }

func TestCloseDuringSendReleasesTransformState(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	entered := make(chan struct{})
	gate := make(chan struct{})
	p := pipeline.New()
	p.Add(pipeline.Func("gate", nil, func(_ pipeline.Conn, d []byte) ([]byte, error) {
		close(entered)
		<-gate
		return d, nil
	}))
	comp := pipeline.NewCompressor(compressAll{}, 1)
	p.Add(comp)

	conn := NewConnection(serverConn, p, nil, DefaultOptions())
	conn.Start(context.Background())

	sent := make(chan error, 1)
	go func() { sent <- conn.Send([]byte("payload")) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached the pipeline")
	}
	conn.Close()
	close(gate)

	select {
	case err := <-sent:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Send() error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() did not return")
	}
	if n := comp.Streams(); n != 0 {
		t.Errorf("Streams() = %d after close, want 0", n)
	}
}

func TestConnectionClosesOnPeerEOF(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn := NewConnection(serverConn, nil, nil, DefaultOptions())
	conn.Start(context.Background())
	clientConn.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after peer EOF")
	}
}

func TestConnectionClosesOnCancel(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnection(serverConn, nil, nil, DefaultOptions())
	conn.Start(ctx)
	conn.Start(ctx)
	cancel()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after cancellation")
	}
}

func TestConnectionSendRunsOutboundPipeline(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	swallowed := []byte("drop")
	p := pipeline.New(
		pipeline.Func("tag", nil, func(_ pipeline.Conn, d []byte) ([]byte, error) {
			if bytes.Equal(d, swallowed) {
				return nil, nil
			}
			return append([]byte("<"), append(d, '>')...), nil
		}),
	)
	conn := NewConnection(serverConn, p, nil, DefaultOptions())
	conn.Start(context.Background())
	defer conn.Close()

	if err := conn.Send(swallowed); err != nil {
		t.Fatalf("Send(drop) error = %v", err)
	}
	if err := conn.Send([]byte("hi")); err != nil {
		t.Fatalf("Send(hi) error = %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(clientConn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != "<hi>" {
		t.Errorf("client read %q, want <hi>", buf)
	}
	if conn.BytesOut() != 4 {
		t.Errorf("BytesOut() = %d, want 4", conn.BytesOut())
	}
}

func TestConnectionTransformerFaultCloses(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	errs := make(chan error, 1)
	p := pipeline.New(pipeline.Func("bad", func(pipeline.Conn, []byte) ([]byte, error) {
		return nil, errors.New("corrupt")
	}, nil))
	conn := NewConnection(serverConn, p, ObserverFuncs{
		Error: func(_ *Connection, err error) { errs <- err },
	}, DefaultOptions())
	conn.Start(context.Background())

	clientConn.Write([]byte("x"))

	select {
	case err := <-errs:
		var fault *pipeline.FaultError
		if !errors.As(err, &fault) {
			t.Errorf("error = %v, want *pipeline.FaultError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error notification")
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after fault")
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := NewConnection(serverConn, nil, nil, DefaultOptions())
	conn.Start(context.Background())
	defer conn.Close()

	const senders, perSender, size = 8, 50, 64
	var g errgroup.Group
	for i := 0; i < senders; i++ {
		msg := bytes.Repeat([]byte{byte('a' + i)}, size)
		g.Go(func() error {
			for j := 0; j < perSender; j++ {
				if err := conn.Send(msg); err != nil {
					return err
				}
			}
			return nil
		})
	}

	got := make([]byte, senders*perSender*size)
	readErr := make(chan error, 1)
	go func() {
		clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := io.ReadFull(clientConn, got)
		readErr <- err
	}()

	if err := g.Wait(); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := <-readErr; err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	for off := 0; off < len(got); off += size {
		block := got[off : off+size]
		if !bytes.Equal(block, bytes.Repeat(block[:1], size)) {
			t.Fatalf("interleaved bytes at offset %d: %q", off, block)
		}
	}
}

func startTestListener(t *testing.T, bus *events.EventBus) *Listener {
	t.Helper()
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0"}, bus)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func dialListener(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestListenerEndToEnd(t *testing.T) {
	l := startTestListener(t, nil)
	l.Pipeline().Add(upper)

	data := make(chan string, 1)
	l.Subscribe(ObserverFuncs{Data: func(_ *Connection, d []byte) { data <- string(d) }})

	client := dialListener(t, l)
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-data:
		if got != "HELLO" {
			t.Errorf("data = %q, want HELLO", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for data")
	}
}

func TestListenerSnapshotAtAccept(t *testing.T) {
	l := startTestListener(t, nil)

	var mu sync.Mutex
	var received []string
	got := make(chan struct{}, 4)
	connected := make(chan *Connection, 1)
	l.Subscribe(ObserverFuncs{
		Connect: func(c *Connection) { connected <- c },
		Data: func(_ *Connection, d []byte) {
			mu.Lock()
			received = append(received, string(d))
			mu.Unlock()
			got <- struct{}{}
		},
	})

	client := dialListener(t, l)
	var conn *Connection
	select {
	case conn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connect")
	}

	l.Pipeline().Add(upper)
	client.Write([]byte("before"))
	<-got

	conn.Pipeline().Add(upper)
	client.Write([]byte("after"))
	<-got

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(received, ",") != "before,AFTER" {
		t.Errorf("received = %v, want [before AFTER]", received)
	}
}

func TestListenerStartStopIdempotent(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0"}, nil)
	l.Stop()

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := l.Addr().String()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if l.Addr().String() != addr {
		t.Error("second Start() rebound the listener")
	}

	disconnected := make(chan struct{}, 1)
	connected := make(chan struct{}, 1)
	l.Subscribe(ObserverFuncs{
		Connect:    func(*Connection) { connected <- struct{}{} },
		Disconnect: func(*Connection) { disconnected <- struct{}{} },
	})
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()
	<-connected

	l.Stop()
	l.Stop()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("tracked connection not closed by Stop")
	}
	if l.Count() != 0 {
		t.Errorf("Count() = %d after Stop", l.Count())
	}
	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("listener still accepting after Stop")
	}
}

func TestListenerEmitsLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	seen := make(chan events.EventType, 8)
	for _, typ := range []events.EventType{events.EventSessionConnected, events.EventSessionDisconnected} {
		bus.Subscribe(typ, "test", func(_ context.Context, e events.Event) error {
			seen <- e.Type
			return nil
		})
	}

	l := startTestListener(t, bus)
	client := dialListener(t, l)

	expect := func(want events.EventType) {
		t.Helper()
		select {
		case got := <-seen:
			if got != want {
				t.Errorf("event = %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	expect(events.EventSessionConnected)
	client.Close()
	expect(events.EventSessionDisconnected)
}

func TestListenerObserverPanicIsContained(t *testing.T) {
	l := startTestListener(t, nil)

	data := make(chan string, 1)
	l.Subscribe(ObserverFuncs{Data: func(*Connection, []byte) { panic("boom") }})
	l.Subscribe(ObserverFuncs{Data: func(_ *Connection, d []byte) { data <- string(d) }})

	client := dialListener(t, l)
	client.Write([]byte("ok"))

	select {
	case got := <-data:
		if got != "ok" {
			t.Errorf("data = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second observer not reached")
	}
}

func TestListenerMaxConnections(t *testing.T) {
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", MaxConnections: 1}, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	connected := make(chan struct{}, 2)
	l.Subscribe(ObserverFuncs{Connect: func(*Connection) { connected <- struct{}{} }})

	first := dialListener(t, l)
	<-connected
	_ = first

	second := dialListener(t, l)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("second connection was not refused")
	}
	if l.Count() != 1 {
		t.Errorf("Count() = %d, want 1", l.Count())
	}
}

func TestCleanStale(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	reg := NewConnectionRegistry()
	conn := NewConnection(serverConn, nil, nil, DefaultOptions())
	reg.Register(conn)

	if n := reg.CleanStale(time.Hour); n != 0 {
		t.Fatalf("CleanStale(1h) = %d, want 0", n)
	}
	time.Sleep(20 * time.Millisecond)
	if n := reg.CleanStale(10 * time.Millisecond); n != 1 {
		t.Fatalf("CleanStale(10ms) = %d, want 1", n)
	}
	if !conn.IsClosed() || reg.Count() != 0 {
		t.Error("stale connection not closed and removed")
	}
}
