package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestAssemblerSplitsAndJoinsChunks(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAssembler(reg)

	fixed, _ := reg.Encode(&testFixed{ID: 7, Name: "abc"})
	variable, _ := reg.Encode(&testVariable{Text: "hi"})
	stream := append(append([]byte{}, fixed...), variable...)

	var frames [][]byte
	// feed one byte at a time to exercise partial headers
	for _, b := range stream {
		a.Feed([]byte{b})
		for {
			frame, err := a.Next()
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if frame == nil {
				break
			}
			frames = append(frames, frame)
		}
	}

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], fixed) || !bytes.Equal(frames[1], variable) {
		t.Errorf("frames = % X / % X", frames[0], frames[1])
	}
	if a.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", a.Buffered())
	}
}

func TestAssemblerDiscardsUnknownOpcode(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAssembler(reg)

	a.Feed([]byte{0xEE, 0x01, 0x02})
	if _, err := a.Next(); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("Next() error = %v, want ErrUnknownOpcode", err)
	}
	if a.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0 after discard", a.Buffered())
	}

	// the assembler keeps working after a violation
	empty, _ := reg.Encode(&testEmpty{})
	a.Feed(empty)
	frame, err := a.Next()
	if err != nil || !bytes.Equal(frame, empty) {
		t.Errorf("Next() = % X, %v; want % X", frame, err, empty)
	}
}

func TestAssemblerRejectsImpossibleLength(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAssembler(reg)

	a.Feed([]byte{0x20, 0x00, 0x01, 0x41})
	if _, err := a.Next(); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("Next() error = %v, want ErrLengthMismatch", err)
	}
}

func TestAssemblerFrameOwnership(t *testing.T) {
	reg := newTestRegistry(t)
	a := NewAssembler(reg)

	a.Feed([]byte{0x22, 0x00, 0x03, 0x22, 0x00})
	first, _ := a.Next()
	a.Feed([]byte{0x03})
	second, _ := a.Next()
	first[0] = 0x00
	if second[0] != 0x22 {
		t.Error("frames share backing storage")
	}
}
