package packets

import (
	"fmt"
	"net/netip"

	"github.com/energizer-project/shard/internal/protocol"
)

const (
	credentialWidth = 30
	shardNameWidth  = 32
	serverEntrySize = 2 + shardNameWidth + 1 + 1 + 4
)

// LoginSeed opens a login session. The seed doubles as the client's
// claimed address; the version fields describe the client build.
type LoginSeed struct {
	Seed     uint32
	Major    uint32
	Minor    uint32
	Revision uint32
	Patch    uint32
}

func (m *LoginSeed) Descriptor() protocol.Descriptor {
	return protocol.Fixed(OpLoginSeed, 21, "LoginSeed")
}

func (m *LoginSeed) Encode(w *protocol.Writer) error {
	protocol.BeginFixed(w, OpLoginSeed)
	w.WriteUint32(m.Seed)
	w.WriteUint32(m.Major)
	w.WriteUint32(m.Minor)
	w.WriteUint32(m.Revision)
	return w.WriteUint32(m.Patch)
}

func (m *LoginSeed) Decode(r *protocol.Reader) error {
	m.Seed, _ = r.ReadUint32()
	m.Major, _ = r.ReadUint32()
	m.Minor, _ = r.ReadUint32()
	m.Revision, _ = r.ReadUint32()
	m.Patch, _ = r.ReadUint32()
	return r.Err()
}

// AccountLogin carries account credentials.
type AccountLogin struct {
	Username     string
	Password     string
	NextLoginKey uint8
}

func (m *AccountLogin) Descriptor() protocol.Descriptor {
	return protocol.Fixed(OpAccountLogin, 62, "AccountLogin")
}

func (m *AccountLogin) Encode(w *protocol.Writer) error {
	protocol.BeginFixed(w, OpAccountLogin)
	w.WriteASCIIFixed(m.Username, credentialWidth)
	w.WriteASCIIFixed(m.Password, credentialWidth)
	return w.WriteUint8(m.NextLoginKey)
}

func (m *AccountLogin) Decode(r *protocol.Reader) error {
	m.Username, _ = r.ReadASCIIFixed(credentialWidth)
	m.Password, _ = r.ReadASCIIFixed(credentialWidth)
	m.NextLoginKey, _ = r.ReadUint8()
	return r.Err()
}

// DenyReason explains a LoginDenied.
type DenyReason uint8

const (
	DenyIncorrectCredentials DenyReason = 0x00
	DenyAccountInUse         DenyReason = 0x01
	DenyAccountBlocked       DenyReason = 0x02
	DenyBadPassword          DenyReason = 0x03
	DenyCommunication        DenyReason = 0x04
	DenyIdle                 DenyReason = 0xFE
)

var denyReasonStrings = map[DenyReason]string{
	DenyIncorrectCredentials: "incorrect_credentials",
	DenyAccountInUse:         "account_in_use",
	DenyAccountBlocked:       "account_blocked",
	DenyBadPassword:          "bad_password",
	DenyCommunication:        "communication_problem",
	DenyIdle:                 "idle",
}

// String returns the reason name.
func (d DenyReason) String() string {
	if s, ok := denyReasonStrings[d]; ok {
		return s
	}
	return fmt.Sprintf("reason(0x%02X)", uint8(d))
}

// LoginDenied refuses a login attempt.
type LoginDenied struct {
	Reason DenyReason
}

func (m *LoginDenied) Descriptor() protocol.Descriptor {
	return protocol.Fixed(OpLoginDenied, 2, "LoginDenied")
}

func (m *LoginDenied) Encode(w *protocol.Writer) error {
	protocol.BeginFixed(w, OpLoginDenied)
	return w.WriteUint8(uint8(m.Reason))
}

func (m *LoginDenied) Decode(r *protocol.Reader) error {
	v, _ := r.ReadUint8()
	m.Reason = DenyReason(v)
	return r.Err()
}

// ServerEntry is one row of a ServerList.
type ServerEntry struct {
	Index       uint16
	Name        string
	PercentFull uint8
	Timezone    int8
	Address     netip.Addr
}

// ServerList announces the shards available to an authenticated account.
type ServerList struct {
	Flags   uint8
	Servers []ServerEntry
}

func (m *ServerList) Descriptor() protocol.Descriptor {
	return protocol.Variable(OpServerList, "ServerList")
}

func (m *ServerList) Encode(w *protocol.Writer) error {
	if len(m.Servers) > (protocol.MaxFrameSize-6)/serverEntrySize {
		return fmt.Errorf("too many servers: %d", len(m.Servers))
	}
	protocol.BeginVariable(w, OpServerList)
	w.WriteUint8(m.Flags)
	w.WriteUint16(uint16(len(m.Servers)))
	for _, s := range m.Servers {
		w.WriteUint16(s.Index)
		w.WriteASCIIFixed(s.Name, shardNameWidth)
		w.WriteUint8(s.PercentFull)
		w.WriteInt8(s.Timezone)
		w.WriteUint32LE(addrToUint32(s.Address))
	}
	return w.WriteFrameLength()
}

func (m *ServerList) Decode(r *protocol.Reader) error {
	m.Flags, _ = r.ReadUint8()
	count, err := r.ReadUint16()
	if err != nil {
		return err
	}
	if int(count)*serverEntrySize > r.Remaining() {
		return fmt.Errorf("%w: %d servers declared, %d bytes left",
			protocol.ErrInsufficientData, count, r.Remaining())
	}
	m.Servers = make([]ServerEntry, count)
	for i := range m.Servers {
		s := &m.Servers[i]
		s.Index, _ = r.ReadUint16()
		s.Name, _ = r.ReadASCIIFixed(shardNameWidth)
		s.PercentFull, _ = r.ReadUint8()
		s.Timezone, _ = r.ReadInt8()
		ip, _ := r.ReadUint32LE()
		s.Address = uint32ToAddr(ip)
	}
	return r.Err()
}

// SelectServer picks an entry from the ServerList.
type SelectServer struct {
	Index uint16
}

func (m *SelectServer) Descriptor() protocol.Descriptor {
	return protocol.Fixed(OpSelectServer, 3, "SelectServer")
}

func (m *SelectServer) Encode(w *protocol.Writer) error {
	protocol.BeginFixed(w, OpSelectServer)
	return w.WriteUint16(m.Index)
}

func (m *SelectServer) Decode(r *protocol.Reader) error {
	m.Index, _ = r.ReadUint16()
	return r.Err()
}

// ServerRedirect tells the client where to reconnect and which ticket to
// present there.
type ServerRedirect struct {
	Address netip.Addr
	Port    uint16
	AuthKey uint32
}

func (m *ServerRedirect) Descriptor() protocol.Descriptor {
	return protocol.Fixed(OpServerRedirect, 11, "ServerRedirect")
}

func (m *ServerRedirect) Encode(w *protocol.Writer) error {
	protocol.BeginFixed(w, OpServerRedirect)
	w.WriteUint32LE(addrToUint32(m.Address))
	w.WriteUint16(m.Port)
	return w.WriteUint32(m.AuthKey)
}

func (m *ServerRedirect) Decode(r *protocol.Reader) error {
	ip, _ := r.ReadUint32LE()
	m.Address = uint32ToAddr(ip)
	m.Port, _ = r.ReadUint16()
	m.AuthKey, _ = r.ReadUint32()
	return r.Err()
}

// GameLogin presents a redirect ticket together with the credentials.
type GameLogin struct {
	AuthKey  uint32
	Username string
	Password string
}

func (m *GameLogin) Descriptor() protocol.Descriptor {
	return protocol.Fixed(OpGameLogin, 65, "GameLogin")
}

func (m *GameLogin) Encode(w *protocol.Writer) error {
	protocol.BeginFixed(w, OpGameLogin)
	w.WriteUint32(m.AuthKey)
	w.WriteASCIIFixed(m.Username, credentialWidth)
	return w.WriteASCIIFixed(m.Password, credentialWidth)
}

func (m *GameLogin) Decode(r *protocol.Reader) error {
	m.AuthKey, _ = r.ReadUint32()
	m.Username, _ = r.ReadASCIIFixed(credentialWidth)
	m.Password, _ = r.ReadASCIIFixed(credentialWidth)
	return r.Err()
}

// addrToUint32 packs an IPv4 address so that its first octet is the
// least significant byte, matching the little-endian wire fields.
func addrToUint32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func uint32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}
