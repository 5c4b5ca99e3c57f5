package packets

import (
	"net/netip"

	"github.com/energizer-project/shard/internal/protocol"
)

const (
	characterNameWidth = 30
	languageWidth      = 4

	// PlayCharacterPattern is the constant leading a PlayCharacter body.
	PlayCharacterPattern uint32 = 0xEDEDEDED
)

// PlayCharacter selects a character and enters the world.
type PlayCharacter struct {
	Pattern       uint32
	Name          string
	Flags         uint32
	Slot          int32
	ClientAddress netip.Addr
}

func (m *PlayCharacter) Descriptor() protocol.Descriptor {
	return protocol.Fixed(OpPlayCharacter, 73, "PlayCharacter")
}

func (m *PlayCharacter) Encode(w *protocol.Writer) error {
	protocol.BeginFixed(w, OpPlayCharacter)
	w.WriteUint32(m.Pattern)
	w.WriteASCIIFixed(m.Name, characterNameWidth)
	w.WriteZeros(2)
	w.WriteUint32(m.Flags)
	w.WriteZeros(24)
	w.WriteInt32(m.Slot)
	return w.WriteUint32LE(addrToUint32(m.ClientAddress))
}

func (m *PlayCharacter) Decode(r *protocol.Reader) error {
	m.Pattern, _ = r.ReadUint32()
	m.Name, _ = r.ReadASCIIFixedSafe(characterNameWidth)
	r.Skip(2)
	m.Flags, _ = r.ReadUint32()
	r.Skip(24)
	m.Slot, _ = r.ReadInt32()
	ip, _ := r.ReadUint32LE()
	m.ClientAddress = uint32ToAddr(ip)
	return r.Err()
}

// SpeechType classifies a speech message.
type SpeechType uint8

const (
	SpeechRegular SpeechType = 0x00
	SpeechEmote   SpeechType = 0x02
	SpeechSystem  SpeechType = 0x06
	SpeechWhisper SpeechType = 0x08
	SpeechYell    SpeechType = 0x09
)

// UnicodeSpeech is a player's request to say something.
type UnicodeSpeech struct {
	Type     SpeechType
	Hue      uint16
	Font     uint16
	Language string
	Text     string
}

func (m *UnicodeSpeech) Descriptor() protocol.Descriptor {
	return protocol.Variable(OpUnicodeSpeech, "UnicodeSpeech")
}

func (m *UnicodeSpeech) Encode(w *protocol.Writer) error {
	protocol.BeginVariable(w, OpUnicodeSpeech)
	w.WriteUint8(uint8(m.Type))
	w.WriteUint16(m.Hue)
	w.WriteUint16(m.Font)
	w.WriteASCIIFixed(m.Language, languageWidth)
	w.WriteUTF16BENull(m.Text)
	return w.WriteFrameLength()
}

func (m *UnicodeSpeech) Decode(r *protocol.Reader) error {
	t, _ := r.ReadUint8()
	m.Type = SpeechType(t)
	m.Hue, _ = r.ReadUint16()
	m.Font, _ = r.ReadUint16()
	m.Language, _ = r.ReadASCIIFixed(languageWidth)
	m.Text, _ = r.ReadUTF16BENullSafe()
	return r.Err()
}

// Speech broadcasts what a speaker said to nearby clients.
type Speech struct {
	Serial   uint32
	Graphic  uint16
	Type     SpeechType
	Hue      uint16
	Font     uint16
	Language string
	Name     string
	Text     string
}

func (m *Speech) Descriptor() protocol.Descriptor {
	return protocol.Variable(OpSpeech, "Speech")
}

func (m *Speech) Encode(w *protocol.Writer) error {
	protocol.BeginVariable(w, OpSpeech)
	w.WriteUint32(m.Serial)
	w.WriteUint16(m.Graphic)
	w.WriteUint8(uint8(m.Type))
	w.WriteUint16(m.Hue)
	w.WriteUint16(m.Font)
	w.WriteASCIIFixed(m.Language, languageWidth)
	w.WriteASCIIFixed(m.Name, characterNameWidth)
	w.WriteUTF16BENull(m.Text)
	return w.WriteFrameLength()
}

func (m *Speech) Decode(r *protocol.Reader) error {
	m.Serial, _ = r.ReadUint32()
	m.Graphic, _ = r.ReadUint16()
	t, _ := r.ReadUint8()
	m.Type = SpeechType(t)
	m.Hue, _ = r.ReadUint16()
	m.Font, _ = r.ReadUint16()
	m.Language, _ = r.ReadASCIIFixed(languageWidth)
	m.Name, _ = r.ReadASCIIFixed(characterNameWidth)
	m.Text, _ = r.ReadUTF16BENull()
	return r.Err()
}

// ClientVersion reports the client build as a dotted string such as
// "7.0.15.1". Older clients omit the terminator.
type ClientVersion struct {
	Version string
}

func (m *ClientVersion) Descriptor() protocol.Descriptor {
	return protocol.Variable(OpClientVersion, "ClientVersion")
}

func (m *ClientVersion) Encode(w *protocol.Writer) error {
	protocol.BeginVariable(w, OpClientVersion)
	w.WriteASCIINull(m.Version)
	return w.WriteFrameLength()
}

func (m *ClientVersion) Decode(r *protocol.Reader) error {
	m.Version, _ = r.ReadASCIINullSafe()
	return r.Err()
}
