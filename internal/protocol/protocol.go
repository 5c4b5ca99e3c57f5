// Package protocol implements the binary wire codec and the opcode registry
// for the game client protocol. Multi-byte integers are big-endian unless a
// field is explicitly documented as little-endian.
//
// Frames come in two shapes:
//
//	Fixed:    [opcode:1][body: length-1]
//	Variable: [opcode:1][total:2][body: total-3]
//
// where total counts the opcode and the length field itself.
package protocol

import "errors"

const (
	// OpcodeSize is the size of the frame discriminator.
	OpcodeSize = 1

	// LengthFieldSize is the size of the variable frame length field.
	LengthFieldSize = 2

	// VariableHeaderSize is the smallest legal variable frame.
	VariableHeaderSize = OpcodeSize + LengthFieldSize

	// MaxFrameSize is the largest frame the 2-byte length field can describe.
	MaxFrameSize = 0xFFFF
)

// Codec errors.
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrSeekOutOfRange   = errors.New("seek out of range")
	ErrCapacityExceeded = errors.New("writer capacity exceeded")
	ErrNoFrame          = errors.New("frame length patched outside a frame")
	ErrNegativeLength   = errors.New("negative length")
)

// Framing errors. A frame rejected with one of these is dropped; the
// connection that carried it stays open.
var (
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrLengthMismatch = errors.New("frame length mismatch")
	ErrTrailingData   = errors.New("trailing bytes after decode")
)

// Registration errors. These indicate a programming error and abort startup.
var (
	ErrDuplicateOpcode    = errors.New("duplicate opcode")
	ErrInvalidFixedLength = errors.New("fixed length must be positive")
)

// IsFramingViolation reports whether err rejects a single frame without
// invalidating the connection.
func IsFramingViolation(err error) bool {
	return errors.Is(err, ErrUnknownOpcode) ||
		errors.Is(err, ErrLengthMismatch) ||
		errors.Is(err, ErrTrailingData) ||
		errors.Is(err, ErrInsufficientData)
}
