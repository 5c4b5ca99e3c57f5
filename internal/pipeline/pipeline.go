// Package pipeline implements the ordered chain of byte-stream transformers
// applied to inbound data before dispatch and to outbound data before it is
// written to the socket.
package pipeline

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Conn identifies the connection a transform runs for.
type Conn interface {
	ID() uint64
	RemoteAddr() net.Addr
}

// Transformer is one stage of a pipeline. OnReceive and OnSend must not
// modify their input in place; returning an empty slice drops the chunk.
type Transformer interface {
	Kind() string
	OnReceive(c Conn, data []byte) ([]byte, error)
	OnSend(c Conn, data []byte) ([]byte, error)
}

// Releaser is implemented by transformers holding per-connection state.
// Release is called when the connection closes, and again by any transform
// still in flight at that moment, so it must tolerate repeated calls.
type Releaser interface {
	Release(c Conn)
}

// Direction names the side of the pipeline a transform ran on.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// FaultError reports a transformer that failed or panicked. The connection
// it ran for must be closed.
type FaultError struct {
	Kind      string
	Direction Direction
	Err       error
	Panic     any
}

func (e *FaultError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s transformer %q panicked: %v", e.Direction, e.Kind, e.Panic)
	}
	return fmt.Sprintf("%s transformer %q: %v", e.Direction, e.Kind, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Pipeline is a copy-on-write list of transformers. Mutations replace the
// whole chain, so executions always see a consistent snapshot.
type Pipeline struct {
	mu    sync.Mutex // serializes writers
	chain atomic.Pointer[[]Transformer]
}

// New creates a pipeline holding ts in order.
func New(ts ...Transformer) *Pipeline {
	p := &Pipeline{}
	chain := append([]Transformer(nil), ts...)
	p.chain.Store(&chain)
	return p
}

// Add appends t to the chain.
func (p *Pipeline) Add(t Transformer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.Snapshot()
	next := make([]Transformer, len(old), len(old)+1)
	copy(next, old)
	next = append(next, t)
	p.chain.Store(&next)
}

// Remove drops every transformer of the given kind and reports whether
// any was found.
func (p *Pipeline) Remove(kind string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.Snapshot()
	next := make([]Transformer, 0, len(old))
	for _, t := range old {
		if t.Kind() != kind {
			next = append(next, t)
		}
	}
	if len(next) == len(old) {
		return false
	}
	p.chain.Store(&next)
	return true
}

// Snapshot returns the current chain. The slice is shared and must be
// treated as read-only.
func (p *Pipeline) Snapshot() []Transformer {
	if c := p.chain.Load(); c != nil {
		return *c
	}
	return nil
}

// Clone returns an independent pipeline starting with the current chain.
func (p *Pipeline) Clone() *Pipeline {
	return New(p.Snapshot()...)
}

// Len returns the number of transformers.
func (p *Pipeline) Len() int { return len(p.Snapshot()) }

// Kinds lists the transformer kinds in order.
func (p *Pipeline) Kinds() []string {
	chain := p.Snapshot()
	kinds := make([]string, len(chain))
	for i, t := range chain {
		kinds[i] = t.Kind()
	}
	return kinds
}

// ExecuteInbound runs data through every OnReceive hook in order.
func (p *Pipeline) ExecuteInbound(c Conn, data []byte) ([]byte, error) {
	return RunInbound(p.Snapshot(), c, data)
}

// ExecuteOutbound runs data through every OnSend hook in the same
// registration order as inbound.
func (p *Pipeline) ExecuteOutbound(c Conn, data []byte) ([]byte, error) {
	return RunOutbound(p.Snapshot(), c, data)
}

// Release lets every stateful transformer drop its state for c.
func (p *Pipeline) Release(c Conn) {
	for _, t := range p.Snapshot() {
		if r, ok := t.(Releaser); ok {
			r.Release(c)
		}
	}
}

// RunInbound applies chain to data. An empty intermediate result stops the
// chain and yields an empty result; it is not an error.
func RunInbound(chain []Transformer, c Conn, data []byte) ([]byte, error) {
	return run(chain, c, data, Inbound)
}

// RunOutbound is the send-side counterpart of RunInbound.
func RunOutbound(chain []Transformer, c Conn, data []byte) ([]byte, error) {
	return run(chain, c, data, Outbound)
}

func run(chain []Transformer, c Conn, data []byte, dir Direction) ([]byte, error) {
	for _, t := range chain {
		if len(data) == 0 {
			return nil, nil
		}
		var err error
		data, err = apply(t, c, data, dir)
		if err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func apply(t Transformer, c Conn, data []byte, dir Direction) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &FaultError{Kind: t.Kind(), Direction: dir, Panic: r}
		}
	}()

	if dir == Inbound {
		out, err = t.OnReceive(c, data)
	} else {
		out, err = t.OnSend(c, data)
	}
	if err != nil {
		return nil, &FaultError{Kind: t.Kind(), Direction: dir, Err: err}
	}
	return out, nil
}
