package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the protocol state of one session. It is safe for concurrent
// use; handlers mutate it only through its methods.
type State struct {
	mu sync.RWMutex

	id     uint64
	remote string

	phase       Phase
	compression bool
	encryption  bool

	seed      uint32
	version   ClientVersion
	account   string
	character string

	createdAt      time.Time
	phaseChangedAt time.Time
}

// Info is a point-in-time copy of a State.
type Info struct {
	ID             uint64        `json:"id"`
	Remote         string        `json:"remote"`
	Phase          Phase         `json:"phase"`
	Compression    bool          `json:"compression"`
	Encryption     bool          `json:"encryption"`
	Seed           uint32        `json:"seed"`
	Version        ClientVersion `json:"client_version"`
	Account        string        `json:"account,omitempty"`
	Character      string        `json:"character,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	PhaseChangedAt time.Time     `json:"phase_changed_at"`
}

// NewState creates a session in the Connected phase.
func NewState(id uint64, remote string) *State {
	now := time.Now()
	return &State{
		id:             id,
		remote:         remote,
		phase:          PhaseConnected,
		createdAt:      now,
		phaseChangedAt: now,
	}
}

// ID returns the session id shared with the connection.
func (s *State) ID() uint64 { return s.id }

// Remote returns the peer address the session was created for.
func (s *State) Remote() string { return s.remote }

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Advance moves the session to phase to and returns the phase it left.
// Moving to the current phase is a no-op.
func (s *State) Advance(to Phase) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(to)
}

func (s *State) advanceLocked(to Phase) (Phase, error) {
	from := s.phase
	if !canTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from != to {
		s.phase = to
		s.phaseChangedAt = time.Now()
	}
	return from, nil
}

// BeginLogin records the login seed and client version and enters Login.
func (s *State) BeginLogin(seed uint32, version ClientVersion) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.advanceLocked(PhaseLogin)
	if err != nil {
		return from, err
	}
	s.seed = seed
	if !version.IsZero() {
		s.version = version
	}
	return from, nil
}

// Authenticate records the account and enters Authenticated.
func (s *State) Authenticate(account string) (Phase, error) {
	if account == "" {
		return s.Phase(), errors.New("empty account name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.advanceLocked(PhaseAuthenticated)
	if err != nil {
		return from, err
	}
	s.account = account
	return from, nil
}

// EnterWorld records the selected character and enters InGame.
func (s *State) EnterWorld(character string) (Phase, error) {
	if character == "" {
		return s.Phase(), errors.New("empty character name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.advanceLocked(PhaseInGame)
	if err != nil {
		return from, err
	}
	s.character = character
	return from, nil
}

// BeginDisconnect enters Disconnecting.
func (s *State) BeginDisconnect() (Phase, error) {
	return s.Advance(PhaseDisconnecting)
}

// Disconnect enters the terminal Disconnected phase from any phase.
func (s *State) Disconnect() Phase {
	from, _ := s.Advance(PhaseDisconnected)
	return from
}

// EnableCompression turns outbound compression on.
func (s *State) EnableCompression() { s.setCompression(true) }

// DisableCompression turns outbound compression off.
func (s *State) DisableCompression() { s.setCompression(false) }

func (s *State) setCompression(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compression = v
}

// CompressionEnabled reports the compression switch.
func (s *State) CompressionEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compression
}

// EnableEncryption turns stream encryption on.
func (s *State) EnableEncryption() { s.setEncryption(true) }

// DisableEncryption turns stream encryption off.
func (s *State) DisableEncryption() { s.setEncryption(false) }

func (s *State) setEncryption(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryption = v
}

// EncryptionEnabled reports the encryption switch.
func (s *State) EncryptionEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryption
}

// SetClientVersion records the negotiated client version.
func (s *State) SetClientVersion(v ClientVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// ClientVersion returns the negotiated client version.
func (s *State) ClientVersion() ClientVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Account returns the authenticated account name.
func (s *State) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Character returns the selected character name.
func (s *State) Character() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.character
}

// Seed returns the login seed.
func (s *State) Seed() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seed
}

// Info returns a snapshot of the session.
func (s *State) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:             s.id,
		Remote:         s.remote,
		Phase:          s.phase,
		Compression:    s.compression,
		Encryption:     s.encryption,
		Seed:           s.seed,
		Version:        s.version,
		Account:        s.account,
		Character:      s.character,
		CreatedAt:      s.createdAt,
		PhaseChangedAt: s.phaseChangedAt,
	}
}
