package packets

import (
	"bytes"
	"net/netip"
	"reflect"
	"strings"
	"testing"

	"github.com/energizer-project/shard/internal/protocol"
)

func TestCatalogBuildsRegistry(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if reg.Len() != len(Catalog()) {
		t.Errorf("Len() = %d, want %d", reg.Len(), len(Catalog()))
	}
}

func TestRoundTrip(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	local := netip.MustParseAddr("127.0.0.1")
	maxCred := strings.Repeat("x", credentialWidth)

	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{"ping zero", &Ping{}},
		{"ping max", &Ping{Seq: 0xFF}},
		{"login seed", &LoginSeed{Seed: 0x7F000001, Major: 7, Minor: 0, Revision: 15, Patch: 1}},
		{"account login empty", &AccountLogin{}},
		{"account login max", &AccountLogin{Username: maxCred, Password: maxCred, NextLoginKey: 0xFF}},
		{"login denied", &LoginDenied{Reason: DenyBadPassword}},
		{"server list empty", &ServerList{Flags: 0x5D, Servers: []ServerEntry{}}},
		{"server list", &ServerList{Flags: 0x5D, Servers: []ServerEntry{
			{Index: 0, Name: "Atlantic", PercentFull: 100, Timezone: -5, Address: local},
			{Index: 1, Name: strings.Repeat("n", shardNameWidth), Timezone: 12, Address: netip.MustParseAddr("10.1.2.3")},
		}}},
		{"select server", &SelectServer{Index: 0xFFFF}},
		{"server redirect", &ServerRedirect{Address: local, Port: 2593, AuthKey: 0xDEADBEEF}},
		{"game login", &GameLogin{AuthKey: 1, Username: "admin", Password: maxCred}},
		{"play character", &PlayCharacter{Pattern: PlayCharacterPattern, Name: "Lord British", Flags: 0x1F, Slot: 4, ClientAddress: local}},
		{"unicode speech empty", &UnicodeSpeech{Language: "ENU"}},
		{"unicode speech", &UnicodeSpeech{Type: SpeechYell, Hue: 0x3B2, Font: 3, Language: "ENU", Text: "Vas Ort Flam ☀"}},
		{"speech", &Speech{Serial: 0x40000001, Graphic: 0x190, Type: SpeechRegular, Hue: 0x3B2, Font: 3, Language: "ENU", Name: "Iolo", Text: "hail"}},
		{"client version", &ClientVersion{Version: "7.0.15.1"}},
		{"client version empty", &ClientVersion{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := reg.Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if e, _ := reg.Lookup(frame[0]); e.Framing == protocol.FramingFixed && len(frame) != e.Length {
				t.Fatalf("frame length = %d, want %d", len(frame), e.Length)
			}
			got, err := reg.Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("Decode() = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestServerRedirectWireLayout(t *testing.T) {
	reg, _ := NewRegistry()
	frame, err := reg.Encode(&ServerRedirect{
		Address: netip.MustParseAddr("192.168.1.10"),
		Port:    0x0A21,
		AuthKey: 0x01020304,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := []byte{OpServerRedirect, 192, 168, 1, 10, 0x0A, 0x21, 1, 2, 3, 4}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = % X, want % X", frame, want)
	}
}

func TestServerListRejectsOverstatedCount(t *testing.T) {
	reg, _ := NewRegistry()
	// declares 2 servers but carries none
	frame := []byte{OpServerList, 0x00, 0x06, 0x5D, 0x00, 0x02}
	if _, err := reg.Decode(frame); err == nil {
		t.Error("Decode() accepted a server list with missing entries")
	}
}

func TestClientVersionWithoutTerminator(t *testing.T) {
	reg, _ := NewRegistry()
	frame := []byte{OpClientVersion, 0x00, 0x08, '4', '.', '0', '.', '1'}
	msg, err := reg.Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := msg.(*ClientVersion).Version; got != "4.0.1" {
		t.Errorf("Version = %q, want 4.0.1", got)
	}
}

func TestDenyReasonString(t *testing.T) {
	if DenyAccountBlocked.String() != "account_blocked" {
		t.Errorf("String() = %q", DenyAccountBlocked.String())
	}
	if DenyReason(0x42).String() != "reason(0x42)" {
		t.Errorf("String() = %q", DenyReason(0x42).String())
	}
}
