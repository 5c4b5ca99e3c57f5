// Package events defines the lifecycle events published by the shard
// network core and the bus that carries them to logging, persistence and
// telemetry subscribers.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Listener lifecycle
	EventListenerStarted EventType = "listener_started"
	EventListenerStopped EventType = "listener_stopped"

	// Connection lifecycle
	EventSessionConnected    EventType = "session_connected"
	EventSessionDisconnected EventType = "session_disconnected"
	EventConnectionError     EventType = "connection_error"

	// Protocol
	EventFrameRejected EventType = "frame_rejected"
	EventPhaseChanged  EventType = "phase_changed"
	EventLoginFailed   EventType = "login_failed"
	EventSpeech        EventType = "speech"

	// System
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// ListenerPayload describes a listener start or stop.
type ListenerPayload struct {
	Address string `json:"address"`
}

// ConnectionPayload describes a connection opening or closing. Traffic
// counters and Duration are only set on disconnect.
type ConnectionPayload struct {
	SessionID uint64        `json:"session_id"`
	Remote    string        `json:"remote"`
	BytesIn   uint64        `json:"bytes_in,omitempty"`
	BytesOut  uint64        `json:"bytes_out,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}

// ConnectionErrorPayload describes a transport or transformer fault.
type ConnectionErrorPayload struct {
	SessionID uint64 `json:"session_id"`
	Remote    string `json:"remote"`
	Error     string `json:"error"`
	Fault     bool   `json:"transformer_fault"`
}

// FrameRejectedPayload describes a dropped inbound frame.
type FrameRejectedPayload struct {
	SessionID uint64 `json:"session_id"`
	Opcode    byte   `json:"opcode"`
	Length    int    `json:"length"`
	Reason    string `json:"reason"`
}

// PhaseChangedPayload describes a session phase transition.
type PhaseChangedPayload struct {
	SessionID uint64 `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Account   string `json:"account,omitempty"`
	Character string `json:"character,omitempty"`
}

// LoginFailedPayload describes a refused login.
type LoginFailedPayload struct {
	SessionID uint64 `json:"session_id"`
	Remote    string `json:"remote"`
	Account   string `json:"account"`
	Reason    string `json:"reason"`
}

// SpeechPayload carries what a player said.
type SpeechPayload struct {
	SessionID uint64 `json:"session_id"`
	Character string `json:"character"`
	Language  string `json:"language"`
	Type      uint8  `json:"type"`
	Text      string `json:"text"`
}

// ShutdownPayload is emitted once when the shard begins shutting down.
type ShutdownPayload struct {
	Reason   string `json:"reason"`
	Sessions int    `json:"sessions"`
}
