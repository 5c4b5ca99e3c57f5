package protocol

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// Writer encodes primitives and strings into a byte buffer. A Writer either
// grows on demand or, when built with NewFixedWriter, refuses any write that
// would exceed its capacity. The first failure is sticky and later writes
// become no-ops returning the same error.
type Writer struct {
	buf        []byte
	limit      int // -1 when growable
	frameStart int
	err        error
}

// NewWriter returns a growable writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, max(capacity, 0)), limit: -1}
}

// NewFixedWriter returns a writer that encodes into buf and never grows
// past len(buf).
func NewFixedWriter(buf []byte) *Writer {
	return &Writer{buf: buf[:0], limit: len(buf)}
}

// Bytes returns the encoded bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the write position.
func (w *Writer) Len() int { return len(w.buf) }

// Position is an alias of Len.
func (w *Writer) Position() int { return len(w.buf) }

// Err returns the first write failure, if any.
func (w *Writer) Err() error { return w.err }

// Reset discards written bytes and any sticky error.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.frameStart = 0
	w.err = nil
}

// BeginFrame marks the current position as the start of a new frame so
// several frames can be batched into one writer.
func (w *Writer) BeginFrame() {
	w.frameStart = len(w.buf)
}

// FrameStart returns the offset of the current frame.
func (w *Writer) FrameStart() int { return w.frameStart }

// WriteFrameLength patches the 2-byte big-endian length field at offset 1
// of the current frame with the number of bytes written since the frame
// start. The write position is unchanged.
func (w *Writer) WriteFrameLength() error {
	if w.err != nil {
		return w.err
	}
	n := len(w.buf) - w.frameStart
	if n < VariableHeaderSize {
		return w.fail(fmt.Errorf("%w: %d bytes since frame start", ErrNoFrame, n))
	}
	if n > MaxFrameSize {
		return w.fail(fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrLengthMismatch, n, MaxFrameSize))
	}
	binary.BigEndian.PutUint16(w.buf[w.frameStart+OpcodeSize:], uint16(n))
	return nil
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

// reserve extends the buffer by n bytes and returns the new region.
func (w *Writer) reserve(n int) ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if n < 0 {
		return nil, w.fail(fmt.Errorf("%w: %d", ErrNegativeLength, n))
	}
	if w.limit >= 0 && len(w.buf)+n > w.limit {
		return nil, w.fail(fmt.Errorf("%w: need %d bytes, %d available",
			ErrCapacityExceeded, n, w.limit-len(w.buf)))
	}
	start := len(w.buf)
	w.buf = slices.Grow(w.buf, n)[:start+n]
	return w.buf[start:], nil
}

// WriteBytes appends b verbatim.
func (w *Writer) WriteBytes(b []byte) error {
	dst, err := w.reserve(len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// WriteZeros appends n zero bytes.
func (w *Writer) WriteZeros(n int) error {
	dst, err := w.reserve(n)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}

// WriteUint8 appends one byte.
func (w *Writer) WriteUint8(v uint8) error {
	dst, err := w.reserve(1)
	if err != nil {
		return err
	}
	dst[0] = v
	return nil
}

// WriteInt8 appends one signed byte.
func (w *Writer) WriteInt8(v int8) error { return w.WriteUint8(uint8(v)) }

// WriteBool appends 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

// WriteUint16 appends a big-endian uint16.
func (w *Writer) WriteUint16(v uint16) error {
	dst, err := w.reserve(2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(dst, v)
	return nil
}

// WriteInt16 appends a big-endian int16.
func (w *Writer) WriteInt16(v int16) error { return w.WriteUint16(uint16(v)) }

// WriteUint32 appends a big-endian uint32.
func (w *Writer) WriteUint32(v uint32) error {
	dst, err := w.reserve(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(dst, v)
	return nil
}

// WriteInt32 appends a big-endian int32.
func (w *Writer) WriteInt32(v int32) error { return w.WriteUint32(uint32(v)) }

// WriteUint64 appends a big-endian uint64.
func (w *Writer) WriteUint64(v uint64) error {
	dst, err := w.reserve(8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(dst, v)
	return nil
}

// WriteInt64 appends a big-endian int64.
func (w *Writer) WriteInt64(v int64) error { return w.WriteUint64(uint64(v)) }

// WriteUint16LE appends a little-endian uint16.
func (w *Writer) WriteUint16LE(v uint16) error {
	dst, err := w.reserve(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(dst, v)
	return nil
}

// WriteUint32LE appends a little-endian uint32.
func (w *Writer) WriteUint32LE(v uint32) error {
	dst, err := w.reserve(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst, v)
	return nil
}

// WriteInt32LE appends a little-endian int32.
func (w *Writer) WriteInt32LE(v int32) error { return w.WriteUint32LE(uint32(v)) }

// WriteUint64LE appends a little-endian uint64.
func (w *Writer) WriteUint64LE(v uint64) error {
	dst, err := w.reserve(8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst, v)
	return nil
}

// WriteString encodes s. A positive width truncates or zero-pads the
// encoded form to exactly width bytes; truncation never splits a
// character. Otherwise a terminator unit is appended.
func (w *Writer) WriteString(enc Encoding, s string, width int) error {
	if w.err != nil {
		return w.err
	}
	raw, err := enc.encode(s)
	if err != nil {
		return w.fail(err)
	}
	if width > 0 {
		raw = enc.truncate(raw, width)
		dst, err := w.reserve(width)
		if err != nil {
			return err
		}
		clear(dst[copy(dst, raw):])
		return nil
	}
	dst, err := w.reserve(len(raw) + enc.UnitSize())
	if err != nil {
		return err
	}
	clear(dst[copy(dst, raw):])
	return nil
}

// WriteASCIIFixed writes value truncated or zero-padded to width bytes.
func (w *Writer) WriteASCIIFixed(value string, width int) error {
	return w.WriteString(ASCII, value, width)
}

// WriteASCIINull writes value followed by a zero byte.
func (w *Writer) WriteASCIINull(value string) error {
	return w.WriteString(ASCII, value, 0)
}

// WriteUTF8Null writes value as UTF-8 followed by a zero byte.
func (w *Writer) WriteUTF8Null(value string) error {
	return w.WriteString(UTF8, value, 0)
}

// WriteUTF16BEFixed writes value as exactly units big-endian UTF-16 code units.
func (w *Writer) WriteUTF16BEFixed(value string, units int) error {
	return w.WriteString(UTF16BE, value, units*2)
}

// WriteUTF16BENull writes value as big-endian UTF-16 followed by a zero unit.
func (w *Writer) WriteUTF16BENull(value string) error {
	return w.WriteString(UTF16BE, value, 0)
}

// WriteUTF16LENull writes value as little-endian UTF-16 followed by a zero unit.
func (w *Writer) WriteUTF16LENull(value string) error {
	return w.WriteString(UTF16LE, value, 0)
}

// WriteUTF16BEPrefixed writes the byte size of the encoded value as a
// big-endian uint16, then the UTF-16BE code units without a terminator.
func (w *Writer) WriteUTF16BEPrefixed(value string) error {
	if w.err != nil {
		return w.err
	}
	raw, err := UTF16BE.encode(value)
	if err != nil {
		return w.fail(err)
	}
	raw = UTF16BE.truncate(raw, MaxFrameSize)
	if err := w.WriteUint16(uint16(len(raw))); err != nil {
		return err
	}
	return w.WriteBytes(raw)
}

// String returns a hex dump of the encoded bytes for debugging.
func (w *Writer) String() string {
	return fmt.Sprintf("Writer[%d bytes]: %x", len(w.buf), w.buf)
}
