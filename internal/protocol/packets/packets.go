// Package packets defines the client protocol messages handled by the
// shard's login and game gateways.
package packets

import "github.com/energizer-project/shard/internal/protocol"

// Opcodes for the messages in this package.
const (
	OpPlayCharacter  byte = 0x5D // Fixed(73): enter world with a character
	OpPing           byte = 0x73 // Fixed(2): keepalive, echoed back
	OpAccountLogin   byte = 0x80 // Fixed(62): username + password
	OpLoginDenied    byte = 0x82 // Fixed(2): login refused with a reason
	OpServerRedirect byte = 0x8C // Fixed(11): address of the selected shard
	OpGameLogin      byte = 0x91 // Fixed(65): redeem a redirect ticket
	OpSelectServer   byte = 0xA0 // Fixed(3): pick a shard from the list
	OpServerList     byte = 0xA8 // Variable: available shards
	OpUnicodeSpeech  byte = 0xAD // Variable: player speech request
	OpSpeech         byte = 0xAE // Variable: speech broadcast to clients
	OpClientVersion  byte = 0xBD // Variable: client version string
	OpLoginSeed      byte = 0xEF // Fixed(21): seed and client version
)

// Catalog returns the factories of every message in this package in
// registration order.
func Catalog() []protocol.Factory {
	return []protocol.Factory{
		func() protocol.Message { return &Ping{} },
		func() protocol.Message { return &LoginSeed{} },
		func() protocol.Message { return &AccountLogin{} },
		func() protocol.Message { return &LoginDenied{} },
		func() protocol.Message { return &ServerList{} },
		func() protocol.Message { return &SelectServer{} },
		func() protocol.Message { return &ServerRedirect{} },
		func() protocol.Message { return &GameLogin{} },
		func() protocol.Message { return &PlayCharacter{} },
		func() protocol.Message { return &UnicodeSpeech{} },
		func() protocol.Message { return &Speech{} },
		func() protocol.Message { return &ClientVersion{} },
	}
}

// NewRegistry builds the registry holding the full catalog.
func NewRegistry() (*protocol.Registry, error) {
	return protocol.NewRegistry(Catalog()...)
}

// Ping is a keepalive carrying a sequence number.
type Ping struct {
	Seq uint8
}

func (m *Ping) Descriptor() protocol.Descriptor { return protocol.Fixed(OpPing, 2, "Ping") }

func (m *Ping) Encode(w *protocol.Writer) error {
	protocol.BeginFixed(w, OpPing)
	return w.WriteUint8(m.Seq)
}

func (m *Ping) Decode(r *protocol.Reader) error {
	m.Seq, _ = r.ReadUint8()
	return r.Err()
}
