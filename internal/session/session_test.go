package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestPhaseProgression(t *testing.T) {
	s := NewState(1, "127.0.0.1:5000")

	if _, err := s.BeginLogin(0xC0A80001, ClientVersion{Major: 7}); err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if _, err := s.Authenticate("admin"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	from, err := s.EnterWorld("Iolo")
	if err != nil {
		t.Fatalf("EnterWorld() error = %v", err)
	}
	if from != PhaseAuthenticated {
		t.Errorf("EnterWorld() left %s, want authenticated", from)
	}

	info := s.Info()
	if info.Phase != PhaseInGame || info.Account != "admin" || info.Character != "Iolo" || info.Seed != 0xC0A80001 {
		t.Errorf("Info() = %+v", info)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		wantErr bool
	}{
		{"forward one", PhaseConnected, PhaseLogin, false},
		{"forward jump", PhaseConnected, PhaseAuthenticated, false},
		{"same phase", PhaseLogin, PhaseLogin, false},
		{"backward", PhaseInGame, PhaseLogin, true},
		{"disconnect from connected", PhaseConnected, PhaseDisconnected, false},
		{"disconnect from in game", PhaseInGame, PhaseDisconnected, false},
		{"disconnecting from login", PhaseLogin, PhaseDisconnecting, false},
		{"disconnecting back to game", PhaseDisconnecting, PhaseInGame, true},
		{"disconnected is terminal", PhaseDisconnected, PhaseConnected, true},
		{"disconnected to disconnecting", PhaseDisconnected, PhaseDisconnecting, true},
		{"unknown phase", PhaseConnected, Phase(42), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState(1, "")
			if _, err := s.Advance(tt.from); err != nil {
				t.Fatalf("setup Advance(%s) error = %v", tt.from, err)
			}
			_, err := s.Advance(tt.to)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("Advance(%s) error = %v, want ErrInvalidTransition", tt.to, err)
				}
				if s.Phase() != tt.from {
					t.Errorf("Phase() = %s after rejected move, want %s", s.Phase(), tt.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("Advance(%s) error = %v", tt.to, err)
			}
			if s.Phase() != tt.to {
				t.Errorf("Phase() = %s, want %s", s.Phase(), tt.to)
			}
		})
	}
}

func TestDisconnectAlwaysSucceeds(t *testing.T) {
	s := NewState(1, "")
	s.EnterWorld("Dupre")
	if from := s.Disconnect(); from != PhaseInGame {
		t.Errorf("Disconnect() left %s, want in_game", from)
	}
	if from := s.Disconnect(); from != PhaseDisconnected {
		t.Errorf("second Disconnect() left %s, want disconnected", from)
	}
	if _, err := s.Authenticate("late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Authenticate() after disconnect error = %v", err)
	}
	if s.Account() != "" {
		t.Errorf("Account() = %q, rejected transition must not record it", s.Account())
	}
}

func TestToggles(t *testing.T) {
	s := NewState(1, "")
	s.EnableCompression()
	s.EnableEncryption()
	if !s.CompressionEnabled() || !s.EncryptionEnabled() {
		t.Fatal("toggles not enabled")
	}
	s.DisableEncryption()
	if !s.CompressionEnabled() || s.EncryptionEnabled() {
		t.Error("toggles are not independent")
	}
	s.DisableCompression()
	if s.CompressionEnabled() {
		t.Error("compression still enabled")
	}
}

func TestEmptyIdentityRejected(t *testing.T) {
	s := NewState(1, "")
	if _, err := s.Authenticate(""); err == nil {
		t.Error("Authenticate(\"\") succeeded")
	}
	if _, err := s.EnterWorld(""); err == nil {
		t.Error("EnterWorld(\"\") succeeded")
	}
	if s.Phase() != PhaseConnected {
		t.Errorf("Phase() = %s, want connected", s.Phase())
	}
}

func TestPhaseJSON(t *testing.T) {
	b, err := json.Marshal(PhaseInGame)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(b) != `"in_game"` {
		t.Errorf("Marshal() = %s", b)
	}
	if Phase(99).String() != "unknown" {
		t.Errorf("String() = %s", Phase(99))
	}
}

func TestParseClientVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    ClientVersion
		wantErr bool
	}{
		{"7.0.15.1", ClientVersion{7, 0, 15, 1}, false},
		{"4.0.11c", ClientVersion{4, 0, 11, 3}, false},
		{"5.0", ClientVersion{5, 0, 0, 0}, false},
		{" 6.0.1.10 ", ClientVersion{6, 0, 1, 10}, false},
		{"7", ClientVersion{}, true},
		{"a.b.c", ClientVersion{}, true},
		{"1.2.3.4.5", ClientVersion{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClientVersion(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseClientVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseClientVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientVersionCompare(t *testing.T) {
	a := ClientVersion{7, 0, 15, 1}
	b := ClientVersion{7, 0, 9, 40}
	if a.Compare(b) != 1 || b.Compare(a) != -1 || a.Compare(a) != 0 {
		t.Error("Compare() ordering wrong")
	}
	if a.String() != "7.0.15.1" {
		t.Errorf("String() = %s", a)
	}
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Create(2, "b"); err != nil {
		t.Fatalf("Create(2) error = %v", err)
	}
	if _, err := tbl.Create(1, "a"); err != nil {
		t.Fatalf("Create(1) error = %v", err)
	}
	if _, err := tbl.Create(1, "a"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate Create() error = %v, want ErrSessionExists", err)
	}

	all := tbl.All()
	if len(all) != 2 || all[0].ID() != 1 || all[1].ID() != 2 {
		t.Errorf("All() not ordered by id")
	}

	s, _ := tbl.Get(2)
	s.EnableCompression()
	if !tbl.CompressionEnabled(2) || tbl.CompressionEnabled(1) || tbl.CompressionEnabled(99) {
		t.Error("CompressionEnabled() does not follow session toggles")
	}
	if tbl.EncryptionEnabled(2) {
		t.Error("EncryptionEnabled() = true")
	}

	if _, ok := tbl.Remove(2); !ok {
		t.Error("Remove(2) = false")
	}
	if _, ok := tbl.Get(2); ok {
		t.Error("Get(2) after Remove found a session")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for i := uint64(1); i <= 100; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			s, err := tbl.Create(id, "")
			if err != nil {
				t.Errorf("Create(%d) error = %v", id, err)
				return
			}
			s.BeginLogin(0, ClientVersion{})
			s.EnableCompression()
			_ = tbl.CountByPhase()
		}(i)
	}
	wg.Wait()
	if got := tbl.CountByPhase()[PhaseLogin]; got != 100 {
		t.Errorf("CountByPhase()[login] = %d, want 100", got)
	}
}
