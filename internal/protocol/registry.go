package protocol

import (
	"encoding/binary"
	"fmt"
)

// Framing determines how the length of a frame is known.
type Framing uint8

const (
	// FramingFixed frames always have the registered length.
	FramingFixed Framing = iota
	// FramingVariable frames carry their total length after the opcode.
	FramingVariable
)

// String returns the framing name.
func (f Framing) String() string {
	if f == FramingVariable {
		return "variable"
	}
	return "fixed"
}

// MarshalJSON serializes Framing as a JSON string.
func (f Framing) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// Descriptor is the self-description every message type provides.
type Descriptor struct {
	Opcode  byte    `json:"opcode"`
	Framing Framing `json:"framing"`
	Length  int     `json:"length,omitempty"` // total frame size for fixed framing
	Name    string  `json:"name"`
}

// Fixed describes a message whose frames are always length bytes long,
// opcode included.
func Fixed(opcode byte, length int, name string) Descriptor {
	return Descriptor{Opcode: opcode, Framing: FramingFixed, Length: length, Name: name}
}

// Variable describes a message whose frames declare their own length.
func Variable(opcode byte, name string) Descriptor {
	return Descriptor{Opcode: opcode, Framing: FramingVariable, Name: name}
}

// HeaderSize returns the bytes that precede the message body.
func (d Descriptor) HeaderSize() int {
	if d.Framing == FramingVariable {
		return VariableHeaderSize
	}
	return OpcodeSize
}

// String formats the descriptor as "Name(0xNN)".
func (d Descriptor) String() string {
	return fmt.Sprintf("%s(0x%02X)", d.Name, d.Opcode)
}

// Message is implemented by every wire message type.
//
// Encode writes the complete frame: the opcode, for variable framing a
// placeholder length followed by WriteFrameLength once the body is written,
// and the body. Decode receives a reader positioned at the first body byte
// and must consume the body exactly.
type Message interface {
	Descriptor() Descriptor
	Encode(w *Writer) error
	Decode(r *Reader) error
}

// TrailingTolerant is implemented by messages that accept unread bytes after
// their body, typically for forward compatibility with newer clients.
type TrailingTolerant interface {
	TolerateTrailing() bool
}

// Factory creates an empty message ready to be decoded into.
type Factory func() Message

// Entry is one registered message type.
type Entry struct {
	Descriptor
	Factory Factory `json:"-"`
}

// Registry maps opcodes to message types. It is built once and is safe for
// concurrent use afterwards since it is never mutated.
type Registry struct {
	table   [256]*Entry
	entries []Entry
}

// NewRegistry builds a registry from an ordered list of factories. Each
// factory is called once to obtain the message descriptor.
func NewRegistry(factories ...Factory) (*Registry, error) {
	r := &Registry{entries: make([]Entry, 0, len(factories))}
	for _, f := range factories {
		if f == nil {
			return nil, fmt.Errorf("nil message factory at position %d", len(r.entries))
		}
		d := f().Descriptor()
		if d.Framing == FramingFixed && d.Length <= 0 {
			return nil, fmt.Errorf("%w: %s declares %d", ErrInvalidFixedLength, d, d.Length)
		}
		if existing := r.table[d.Opcode]; existing != nil {
			return nil, fmt.Errorf("%w: %s collides with %s", ErrDuplicateOpcode, d, existing.Descriptor)
		}
		r.entries = append(r.entries, Entry{Descriptor: d, Factory: f})
		// entries never reallocates: its capacity is len(factories)
		r.table[d.Opcode] = &r.entries[len(r.entries)-1]
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on a registration error.
func MustRegistry(factories ...Factory) *Registry {
	r, err := NewRegistry(factories...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the entry registered for opcode.
func (r *Registry) Lookup(opcode byte) (Entry, bool) {
	if e := r.table[opcode]; e != nil {
		return *e, true
	}
	return Entry{}, false
}

// Entries returns every registered entry in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered message types.
func (r *Registry) Len() int { return len(r.entries) }

// FrameLength determines the total size of the frame starting at head.
// It returns 0 and no error when head is too short to tell.
func (r *Registry) FrameLength(head []byte) (int, error) {
	if len(head) == 0 {
		return 0, nil
	}
	e := r.table[head[0]]
	if e == nil {
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, head[0])
	}
	if e.Framing == FramingFixed {
		return e.Length, nil
	}
	if len(head) < VariableHeaderSize {
		return 0, nil
	}
	n := int(binary.BigEndian.Uint16(head[OpcodeSize:]))
	if n < VariableHeaderSize {
		return 0, fmt.Errorf("%w: %s declares %d bytes", ErrLengthMismatch, e.Descriptor, n)
	}
	return n, nil
}

// Decode validates a complete frame against its registered framing and
// decodes it into a new message.
func (r *Registry) Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInsufficientData)
	}
	e := r.table[frame[0]]
	if e == nil {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, frame[0])
	}

	switch e.Framing {
	case FramingFixed:
		if len(frame) != e.Length {
			return nil, fmt.Errorf("%w: %s expects %d bytes, got %d",
				ErrLengthMismatch, e.Descriptor, e.Length, len(frame))
		}
	case FramingVariable:
		if len(frame) < VariableHeaderSize {
			return nil, fmt.Errorf("%w: %s header needs %d bytes, got %d",
				ErrInsufficientData, e.Descriptor, VariableHeaderSize, len(frame))
		}
		declared := int(binary.BigEndian.Uint16(frame[OpcodeSize:]))
		if declared != len(frame) {
			return nil, fmt.Errorf("%w: %s declares %d bytes, got %d",
				ErrLengthMismatch, e.Descriptor, declared, len(frame))
		}
	}

	msg := e.Factory()
	rd := NewReader(frame)
	if err := rd.Seek(e.HeaderSize()); err != nil {
		return nil, err
	}
	if err := msg.Decode(rd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Descriptor, err)
	}
	if err := rd.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Descriptor, err)
	}
	if rd.Remaining() > 0 {
		if t, ok := msg.(TrailingTolerant); !ok || !t.TolerateTrailing() {
			return nil, fmt.Errorf("%w: %s left %d bytes", ErrTrailingData, e.Descriptor, rd.Remaining())
		}
	}
	return msg, nil
}

// Encode writes msg into a new buffer and returns the frame.
func (r *Registry) Encode(msg Message) ([]byte, error) {
	d := msg.Descriptor()
	size := d.Length
	if d.Framing == FramingVariable {
		size = 64
	}
	w := NewWriter(size)
	if err := r.EncodeTo(w, msg); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeTo appends the frame for msg to w and verifies it against the
// message framing.
func (r *Registry) EncodeTo(w *Writer, msg Message) error {
	d := msg.Descriptor()
	if e := r.table[d.Opcode]; e == nil || e.Framing != d.Framing || e.Length != d.Length {
		return fmt.Errorf("%w: %s is not registered", ErrUnknownOpcode, d)
	}
	start := w.Len()
	w.BeginFrame()
	if err := msg.Encode(w); err != nil {
		return fmt.Errorf("encode %s: %w", d, err)
	}
	if err := w.Err(); err != nil {
		return fmt.Errorf("encode %s: %w", d, err)
	}
	frame := w.Bytes()[start:]
	if len(frame) == 0 || frame[0] != d.Opcode {
		return fmt.Errorf("encode %s: frame does not start with its opcode", d)
	}
	switch d.Framing {
	case FramingFixed:
		if len(frame) != d.Length {
			return fmt.Errorf("%w: %s encoded %d bytes, expects %d", ErrLengthMismatch, d, len(frame), d.Length)
		}
	case FramingVariable:
		if len(frame) < VariableHeaderSize || int(binary.BigEndian.Uint16(frame[OpcodeSize:])) != len(frame) {
			return fmt.Errorf("%w: %s length field not patched", ErrLengthMismatch, d)
		}
	}
	return nil
}

// BeginFixed starts a fixed frame by writing its opcode.
func BeginFixed(w *Writer, opcode byte) error {
	w.BeginFrame()
	return w.WriteUint8(opcode)
}

// BeginVariable starts a variable frame by writing its opcode and a
// placeholder length to be patched with WriteFrameLength.
func BeginVariable(w *Writer, opcode byte) error {
	w.BeginFrame()
	if err := w.WriteUint8(opcode); err != nil {
		return err
	}
	return w.WriteUint16(0)
}
