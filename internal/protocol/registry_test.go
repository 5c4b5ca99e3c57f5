package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// testFixed is a 13 byte fixed frame: opcode, uint32, 8 byte ASCII name.
type testFixed struct {
	ID   uint32
	Name string
}

func (m *testFixed) Descriptor() Descriptor { return Fixed(0x10, 13, "TestFixed") }

func (m *testFixed) Encode(w *Writer) error {
	BeginFixed(w, 0x10)
	w.WriteUint32(m.ID)
	return w.WriteASCIIFixed(m.Name, 8)
}

func (m *testFixed) Decode(r *Reader) error {
	m.ID, _ = r.ReadUint32()
	m.Name, _ = r.ReadASCIIFixed(8)
	return r.Err()
}

type testVariable struct {
	Text string
}

func (m *testVariable) Descriptor() Descriptor { return Variable(0x20, "TestVariable") }

func (m *testVariable) Encode(w *Writer) error {
	BeginVariable(w, 0x20)
	w.WriteUTF16BENull(m.Text)
	return w.WriteFrameLength()
}

func (m *testVariable) Decode(r *Reader) error {
	m.Text, _ = r.ReadUTF16BENull()
	return r.Err()
}

type testEmpty struct{}

func (m *testEmpty) Descriptor() Descriptor { return Variable(0x22, "TestEmpty") }

func (m *testEmpty) Encode(w *Writer) error {
	BeginVariable(w, 0x22)
	return w.WriteFrameLength()
}

func (m *testEmpty) Decode(r *Reader) error { return nil }

type testLarge struct {
	Payload []byte
}

func (m *testLarge) Descriptor() Descriptor { return Fixed(0x30, 65, "TestLarge") }

func (m *testLarge) Encode(w *Writer) error {
	BeginFixed(w, 0x30)
	return w.WriteBytes(m.Payload)
}

func (m *testLarge) Decode(r *Reader) error {
	m.Payload, _ = r.ReadBytes(64)
	return r.Err()
}

type testTolerant struct {
	Flag uint8
}

func (m *testTolerant) Descriptor() Descriptor { return Variable(0x21, "TestTolerant") }
func (m *testTolerant) TolerateTrailing() bool { return true }

func (m *testTolerant) Encode(w *Writer) error {
	BeginVariable(w, 0x21)
	w.WriteUint8(m.Flag)
	return w.WriteFrameLength()
}

func (m *testTolerant) Decode(r *Reader) error {
	m.Flag, _ = r.ReadUint8()
	return r.Err()
}

// testUnpatched forgets to patch its length field.
type testUnpatched struct{}

func (m *testUnpatched) Descriptor() Descriptor { return Variable(0x23, "TestUnpatched") }

func (m *testUnpatched) Encode(w *Writer) error {
	BeginVariable(w, 0x23)
	return w.WriteUint8(1)
}

func (m *testUnpatched) Decode(r *Reader) error {
	_, err := r.ReadUint8()
	return err
}

type testZeroLength struct{}

func (m *testZeroLength) Descriptor() Descriptor { return Fixed(0x40, 0, "TestZeroLength") }
func (m *testZeroLength) Encode(w *Writer) error { return nil }
func (m *testZeroLength) Decode(r *Reader) error { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(
		func() Message { return &testFixed{} },
		func() Message { return &testVariable{} },
		func() Message { return &testEmpty{} },
		func() Message { return &testLarge{} },
		func() Message { return &testTolerant{} },
		func() Message { return &testUnpatched{} },
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func TestRegistryRejectsDuplicateOpcode(t *testing.T) {
	_, err := NewRegistry(
		func() Message { return &testFixed{} },
		func() Message { return &testVariable{} },
		func() Message { return &testFixed{} },
	)
	if !errors.Is(err, ErrDuplicateOpcode) {
		t.Errorf("NewRegistry() error = %v, want ErrDuplicateOpcode", err)
	}
}

func TestRegistryRejectsNonPositiveFixedLength(t *testing.T) {
	_, err := NewRegistry(func() Message { return &testZeroLength{} })
	if !errors.Is(err, ErrInvalidFixedLength) {
		t.Errorf("NewRegistry() error = %v, want ErrInvalidFixedLength", err)
	}
}

func TestMustRegistryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustRegistry() did not panic on duplicate opcode")
		}
	}()
	MustRegistry(
		func() Message { return &testEmpty{} },
		func() Message { return &testEmpty{} },
	)
}

func TestRegistryLookup(t *testing.T) {
	reg := newTestRegistry(t)

	e, ok := reg.Lookup(0x10)
	if !ok {
		t.Fatal("Lookup(0x10) not found")
	}
	if e.Framing != FramingFixed || e.Length != 13 || e.Name != "TestFixed" {
		t.Errorf("Lookup(0x10) = %+v", e.Descriptor)
	}
	if _, ok := reg.Lookup(0xFF); ok {
		t.Error("Lookup(0xFF) found an entry")
	}
	if reg.Len() != 6 {
		t.Errorf("Len() = %d, want 6", reg.Len())
	}
	if got := reg.Entries()[1].Opcode; got != 0x20 {
		t.Errorf("Entries() not in registration order, second opcode = 0x%02X", got)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name string
		msg  Message
	}{
		{"fixed zero values", &testFixed{}},
		{"fixed max values", &testFixed{ID: 0xFFFFFFFF, Name: "12345678"}},
		{"variable empty string", &testVariable{}},
		{"variable unicode", &testVariable{Text: "héllo wörld"}},
		{"variable empty body", &testEmpty{}},
		{"fixed large", &testLarge{Payload: bytes.Repeat([]byte{0x5A}, 64)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := reg.Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := reg.Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			again, err := reg.Encode(got)
			if err != nil {
				t.Fatalf("re-Encode() error = %v", err)
			}
			if !bytes.Equal(frame, again) {
				t.Errorf("round trip mismatch:\n got % X\nwant % X", again, frame)
			}
		})
	}
}

func TestRegistryDecodeEmptyVariableBody(t *testing.T) {
	reg := newTestRegistry(t)
	msg, err := reg.Decode([]byte{0x22, 0x00, 0x03})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := msg.(*testEmpty); !ok {
		t.Errorf("Decode() = %T, want *testEmpty", msg)
	}
}

func TestRegistryDecodeRejections(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name    string
		frame   []byte
		wantErr error
	}{
		{"unknown opcode", []byte{0xFF, 0x00}, ErrUnknownOpcode},
		{"fixed 65 given 64 bytes", append([]byte{0x30}, make([]byte, 63)...), ErrLengthMismatch},
		{"fixed too long", append([]byte{0x30}, make([]byte, 65)...), ErrLengthMismatch},
		{"variable declared longer", []byte{0x20, 0x00, 0x09, 0x00, 0x41, 0x00, 0x00}, ErrLengthMismatch},
		{"variable declared shorter", []byte{0x20, 0x00, 0x05, 0x00, 0x41, 0x00, 0x00}, ErrLengthMismatch},
		{"variable header truncated", []byte{0x20, 0x00}, ErrInsufficientData},
		{"trailing bytes", []byte{0x20, 0x00, 0x08, 0x00, 0x41, 0x00, 0x00, 0xFF}, ErrTrailingData},
		{"body too short", []byte{0x20, 0x00, 0x05, 0x00, 0x41}, ErrInsufficientData},
		{"empty frame", nil, ErrInsufficientData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := reg.Decode(tt.frame)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			if msg != nil {
				t.Errorf("Decode() returned %T alongside an error", msg)
			}
			if !IsFramingViolation(err) {
				t.Errorf("IsFramingViolation(%v) = false", err)
			}
		})
	}
}

func TestRegistryTrailingTolerant(t *testing.T) {
	reg := newTestRegistry(t)
	msg, err := reg.Decode([]byte{0x21, 0x00, 0x06, 0x07, 0xAA, 0xBB})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := msg.(*testTolerant).Flag; got != 7 {
		t.Errorf("Flag = %d, want 7", got)
	}
}

func TestRegistryEncodeVerifiesFraming(t *testing.T) {
	reg := newTestRegistry(t)

	if _, err := reg.Encode(&testUnpatched{}); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Encode(unpatched) error = %v, want ErrLengthMismatch", err)
	}
	if _, err := reg.Encode(&testLarge{Payload: make([]byte, 10)}); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Encode(short fixed) error = %v, want ErrLengthMismatch", err)
	}
	if _, err := reg.Encode(&testZeroLength{}); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("Encode(unregistered) error = %v, want ErrUnknownOpcode", err)
	}
}

func TestRegistryFrameLength(t *testing.T) {
	reg := newTestRegistry(t)

	tests := []struct {
		name    string
		head    []byte
		want    int
		wantErr error
	}{
		{"empty", nil, 0, nil},
		{"fixed", []byte{0x10}, 13, nil},
		{"variable partial header", []byte{0x20, 0x00}, 0, nil},
		{"variable", []byte{0x20, 0x01, 0x00}, 256, nil},
		{"variable below header", []byte{0x20, 0x00, 0x02}, 0, ErrLengthMismatch},
		{"unknown", []byte{0x99}, 0, ErrUnknownOpcode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.FrameLength(tt.head)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("FrameLength() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FrameLength() = %d, want %d", got, tt.want)
			}
		})
	}
}
