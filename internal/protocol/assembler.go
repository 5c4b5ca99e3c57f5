package protocol

import (
	"bytes"
	"fmt"
)

// Assembler reassembles frames from a byte stream using the registry to
// size them. It is not safe for concurrent use; each connection owns one.
type Assembler struct {
	registry *Registry
	buf      []byte
	off      int
}

// NewAssembler creates an assembler bound to reg.
func NewAssembler(reg *Registry) *Assembler {
	return &Assembler{registry: reg}
}

// Feed appends a chunk of inbound bytes.
func (a *Assembler) Feed(chunk []byte) {
	if a.off > 0 && a.off == len(a.buf) {
		a.buf = a.buf[:0]
		a.off = 0
	} else if a.off > len(a.buf)/2 {
		n := copy(a.buf, a.buf[a.off:])
		a.buf = a.buf[:n]
		a.off = 0
	}
	a.buf = append(a.buf, chunk...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (a *Assembler) Buffered() int { return len(a.buf) - a.off }

// Reset drops every buffered byte.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.off = 0
}

// Next returns the next complete frame, or nil when more bytes are needed.
// The returned slice is owned by the caller.
//
// When the buffered bytes cannot be sized (unknown opcode, impossible
// declared length) the stream cannot be resynchronised: the buffer is
// discarded and the framing error is returned.
func (a *Assembler) Next() ([]byte, error) {
	pending := a.buf[a.off:]
	n, err := a.registry.FrameLength(pending)
	if err != nil {
		dropped := len(pending)
		a.Reset()
		return nil, fmt.Errorf("%w (discarded %d buffered bytes)", err, dropped)
	}
	if n == 0 || n > len(pending) {
		return nil, nil
	}
	frame := bytes.Clone(pending[:n])
	a.off += n
	return frame, nil
}
