// Package session tracks the protocol state of every connected client:
// its phase, stream transform switches, client version and identity.
package session

import "errors"

// Phase is the protocol progression of a session. Phases only move
// forward; Disconnected is terminal.
type Phase int

const (
	PhaseConnected Phase = iota
	PhaseLogin
	PhaseAuthenticated
	PhaseInGame
	PhaseDisconnecting
	PhaseDisconnected
)

// phaseStrings maps Phase values to their JSON string representation.
var phaseStrings = map[Phase]string{
	PhaseConnected:     "connected",
	PhaseLogin:         "login",
	PhaseAuthenticated: "authenticated",
	PhaseInGame:        "in_game",
	PhaseDisconnecting: "disconnecting",
	PhaseDisconnected:  "disconnected",
}

// String returns the string representation of Phase.
func (p Phase) String() string {
	if s, ok := phaseStrings[p]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes Phase as a JSON string (e.g. "in_game").
func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// Active reports whether the session has not started disconnecting.
func (p Phase) Active() bool {
	return p < PhaseDisconnecting
}

var (
	// ErrInvalidTransition is returned for a backward phase move or any
	// move out of Disconnected.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrSessionExists is returned when a session id is registered twice.
	ErrSessionExists = errors.New("session already exists")
)

// canTransition reports whether a session may move from one phase to
// another. Phases are declared in progression order, so every legal move is
// non-decreasing; Disconnecting and Disconnected sit after InGame and are
// therefore reachable from anywhere.
func canTransition(from, to Phase) bool {
	if _, ok := phaseStrings[to]; !ok {
		return false
	}
	return to >= from
}
