package protocol

import (
	"encoding/binary"
	"fmt"
)

// Reader decodes primitives and strings from an immutable byte slice.
// Every read advances the position and fails with ErrInsufficientData when
// the requested width exceeds the remaining bytes; nothing is consumed by a
// failed read. The first failure is sticky so decoders may chain reads and
// check Err once.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader wraps buf without copying it.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the total number of bytes wrapped.
func (r *Reader) Len() int { return len(r.buf) }

// Position returns the read cursor.
func (r *Reader) Position() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Err returns the first read failure, if any.
func (r *Reader) Err() error { return r.err }

// Bytes returns the whole wrapped slice.
func (r *Reader) Bytes() []byte { return r.buf }

// Seek moves the cursor to an absolute position within [0, Len()].
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return r.fail(fmt.Errorf("%w: %d not in [0, %d]", ErrSeekOutOfRange, pos, len(r.buf)))
	}
	r.pos = pos
	return nil
}

// Skip moves the cursor forward (or backward for negative n).
func (r *Reader) Skip(n int) error {
	return r.Seek(r.pos + n)
}

func (r *Reader) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return err
}

// next returns the next n bytes and advances past them.
func (r *Reader) next(n int) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if n < 0 || n > r.Remaining() {
		return nil, r.fail(fmt.Errorf("%w: need %d bytes at offset %d, %d remaining",
			ErrInsufficientData, n, r.pos, r.Remaining()))
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBytes returns the next n bytes as a sub-slice of the wrapped buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.next(n)
}

// ReadRest returns every unread byte.
func (r *Reader) ReadRest() []byte {
	b, _ := r.next(r.Remaining())
	return b
}

// ReadUint8 reads one byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadInt8 reads one signed byte.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadBool reads one byte; any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

// ReadUint16 reads a big-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadInt16 reads a big-endian int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadInt32 reads a big-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a big-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadUint16LE reads a little-endian uint16.
func (r *Reader) ReadUint16LE() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32LE reads a little-endian uint32.
func (r *Reader) ReadUint32LE() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32LE reads a little-endian int32.
func (r *Reader) ReadInt32LE() (int32, error) {
	v, err := r.ReadUint32LE()
	return int32(v), err
}

// ReadUint64LE reads a little-endian uint64.
func (r *Reader) ReadUint64LE() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadString decodes a string field.
//
// A positive width reads exactly width bytes. In strict form the text ends
// at the first terminator; in safe form embedded terminators become spaces
// and trailing padding is dropped.
//
// A width of zero or less reads up to and including the terminator. In
// strict form a missing terminator fails with ErrInsufficientData; in safe
// form the rest of the buffer is taken and control characters become spaces.
func (r *Reader) ReadString(enc Encoding, width int, safe bool) (string, error) {
	if width > 0 {
		return r.readFixed(enc, width, safe)
	}
	return r.readTerminated(enc, safe)
}

func (r *Reader) readFixed(enc Encoding, width int, safe bool) (string, error) {
	raw, err := r.next(width)
	if err != nil {
		return "", err
	}
	if safe {
		raw = enc.softenTerminators(raw)
	} else if i := enc.indexTerminator(raw); i >= 0 {
		raw = raw[:i]
	}
	s, err := enc.decode(raw)
	if err != nil {
		return "", r.fail(err)
	}
	return s, nil
}

func (r *Reader) readTerminated(enc Encoding, safe bool) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	unit := enc.UnitSize()
	rest := r.buf[r.pos:]
	var raw []byte
	if i := enc.indexTerminator(rest); i >= 0 {
		raw = rest[:i]
		r.pos += i + unit
	} else if safe {
		raw = rest[:len(rest)-len(rest)%unit]
		r.pos = len(r.buf)
	} else {
		return "", r.fail(fmt.Errorf("%w: unterminated %s string at offset %d",
			ErrInsufficientData, enc, r.pos))
	}
	s, err := enc.decode(raw)
	if err != nil {
		return "", r.fail(err)
	}
	if safe {
		s = sanitize(s)
	}
	return s, nil
}

// ReadASCIIFixed reads a fixed-width ASCII field, truncated at the first zero.
func (r *Reader) ReadASCIIFixed(width int) (string, error) {
	return r.ReadString(ASCII, width, false)
}

// ReadASCIIFixedSafe reads a fixed-width ASCII field tolerating embedded zeros.
func (r *Reader) ReadASCIIFixedSafe(width int) (string, error) {
	return r.ReadString(ASCII, width, true)
}

// ReadASCIINull reads a zero-terminated ASCII string.
func (r *Reader) ReadASCIINull() (string, error) {
	return r.ReadString(ASCII, 0, false)
}

// ReadASCIINullSafe reads a zero-terminated ASCII string, accepting a
// missing terminator.
func (r *Reader) ReadASCIINullSafe() (string, error) {
	return r.ReadString(ASCII, 0, true)
}

// ReadUTF8Null reads a zero-terminated UTF-8 string.
func (r *Reader) ReadUTF8Null() (string, error) {
	return r.ReadString(UTF8, 0, false)
}

// ReadUTF8NullSafe reads a zero-terminated UTF-8 string, accepting a
// missing terminator.
func (r *Reader) ReadUTF8NullSafe() (string, error) {
	return r.ReadString(UTF8, 0, true)
}

// ReadUTF16BEFixed reads a field of units big-endian UTF-16 code units.
func (r *Reader) ReadUTF16BEFixed(units int) (string, error) {
	return r.ReadString(UTF16BE, units*2, false)
}

// ReadUTF16BEFixedSafe reads a fixed UTF-16BE field tolerating embedded zeros.
func (r *Reader) ReadUTF16BEFixedSafe(units int) (string, error) {
	return r.ReadString(UTF16BE, units*2, true)
}

// ReadUTF16BENull reads a UTF-16BE string terminated by a zero unit.
func (r *Reader) ReadUTF16BENull() (string, error) {
	return r.ReadString(UTF16BE, 0, false)
}

// ReadUTF16BENullSafe reads a zero-terminated UTF-16BE string, accepting a
// missing terminator.
func (r *Reader) ReadUTF16BENullSafe() (string, error) {
	return r.ReadString(UTF16BE, 0, true)
}

// ReadUTF16LENull reads a UTF-16LE string terminated by a zero unit.
func (r *Reader) ReadUTF16LENull() (string, error) {
	return r.ReadString(UTF16LE, 0, false)
}

// ReadUTF16BEPrefixed reads a UTF-16BE string preceded by its size in bytes.
func (r *Reader) ReadUTF16BEPrefixed() (string, error) {
	start := r.pos
	n, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	raw, err := r.next(int(n))
	if err != nil {
		r.pos = start
		return "", err
	}
	s, err := UTF16BE.decode(raw)
	if err != nil {
		return "", r.fail(err)
	}
	return s, nil
}
