// Package gateway turns the raw byte streams surfaced by network
// connections into decoded messages, dispatches them to per-opcode
// handlers and keeps each connection's session state in step.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shard/internal/events"
	"github.com/energizer-project/shard/internal/network"
	"github.com/energizer-project/shard/internal/protocol"
	"github.com/energizer-project/shard/internal/session"
)

const eventSource = "gateway"

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrUnknownSession   = errors.New("unknown session")
)

// Handler processes one decoded message for a session. A returned error is
// logged and counted; it does not close the connection.
type Handler func(s *Session, msg protocol.Message) error

// Session binds a live connection to its protocol state.
type Session struct {
	conn  *network.Connection
	state *session.State
	gw    *Gateway

	// touched only from the connection's receive goroutine
	asm *protocol.Assembler
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.conn.ID() }

// State returns the protocol state.
func (s *Session) State() *session.State { return s.state }

// Conn returns the underlying connection.
func (s *Session) Conn() *network.Connection { return s.conn }

// Send encodes msg and writes it to this session.
func (s *Session) Send(msg protocol.Message) error {
	return s.gw.send(s, msg)
}

// Advance moves the session to phase to and publishes the change.
func (s *Session) Advance(to session.Phase) error {
	from, err := s.state.Advance(to)
	if err != nil {
		return err
	}
	s.gw.phaseChanged(s, from)
	return nil
}

// Close begins disconnecting the session and closes its connection.
func (s *Session) Close() {
	if from, err := s.state.BeginDisconnect(); err == nil && from != session.PhaseDisconnecting {
		s.gw.phaseChanged(s, from)
	}
	s.conn.Close()
}

// Stats counts gateway activity since start.
type Stats struct {
	Sessions       int            `json:"sessions"`
	ByPhase        map[string]int `json:"by_phase"`
	FramesDecoded  uint64         `json:"frames_decoded"`
	FramesRejected uint64         `json:"frames_rejected"`
	Unhandled      uint64         `json:"unhandled"`
	HandlerErrors  uint64         `json:"handler_errors"`
	MessagesSent   uint64         `json:"messages_sent"`
	SendErrors     uint64         `json:"send_errors"`
}

// Gateway implements network.Observer.
type Gateway struct {
	registry *protocol.Registry
	table    *session.Table
	eventBus *events.EventBus
	logger   zerolog.Logger

	handlersMu sync.RWMutex
	handlers   [256]Handler

	sessionsMu sync.RWMutex
	sessions   map[uint64]*Session

	framesDecoded  atomic.Uint64
	framesRejected atomic.Uint64
	unhandled      atomic.Uint64
	handlerErrors  atomic.Uint64
	messagesSent   atomic.Uint64
	sendErrors     atomic.Uint64
}

var _ network.Observer = (*Gateway)(nil)

// New creates a gateway decoding with reg and tracking state in table.
// eventBus may be nil.
func New(reg *protocol.Registry, table *session.Table, eventBus *events.EventBus) *Gateway {
	return &Gateway{
		registry: reg,
		table:    table,
		eventBus: eventBus,
		sessions: make(map[uint64]*Session),
		logger:   log.With().Str("component", "gateway").Logger(),
	}
}

// Registry returns the message registry.
func (g *Gateway) Registry() *protocol.Registry { return g.registry }

// Table returns the session table.
func (g *Gateway) Table() *session.Table { return g.table }

// Handle registers the handler for an opcode. The opcode must be in the
// registry and may only be handled once.
func (g *Gateway) Handle(opcode byte, h Handler) error {
	if _, ok := g.registry.Lookup(opcode); !ok {
		return fmt.Errorf("%w: 0x%02X", protocol.ErrUnknownOpcode, opcode)
	}

	g.handlersMu.Lock()
	defer g.handlersMu.Unlock()

	if g.handlers[opcode] != nil {
		return fmt.Errorf("%w: 0x%02X", ErrDuplicateHandler, opcode)
	}
	g.handlers[opcode] = h
	return nil
}

func (g *Gateway) handler(opcode byte) Handler {
	g.handlersMu.RLock()
	defer g.handlersMu.RUnlock()
	return g.handlers[opcode]
}

// OnConnect creates the session for a new connection.
func (g *Gateway) OnConnect(c *network.Connection) {
	state, err := g.table.Create(c.ID(), c.RemoteAddr().String())
	if err != nil {
		g.logger.Error().Err(err).Uint64("session", c.ID()).Msg("failed to create session")
		c.Close()
		return
	}

	s := &Session{conn: c, state: state, gw: g, asm: protocol.NewAssembler(g.registry)}
	g.sessionsMu.Lock()
	g.sessions[c.ID()] = s
	g.sessionsMu.Unlock()
}

// OnData assembles frames from data and dispatches every complete one.
func (g *Gateway) OnData(c *network.Connection, data []byte) {
	s, ok := g.Session(c.ID())
	if !ok {
		return
	}

	s.asm.Feed(data)
	for !c.IsClosed() {
		frame, err := s.asm.Next()
		if err != nil {
			g.reject(s, nil, err)
			continue
		}
		if frame == nil {
			return
		}

		msg, err := g.registry.Decode(frame)
		if err != nil {
			g.reject(s, frame, err)
			continue
		}
		g.framesDecoded.Add(1)
		g.dispatch(s, msg)
	}
}

// reject drops a frame. The connection stays open.
func (g *Gateway) reject(s *Session, frame []byte, err error) {
	g.framesRejected.Add(1)

	p := events.FrameRejectedPayload{SessionID: s.ID(), Length: len(frame), Reason: err.Error()}
	if len(frame) > 0 {
		p.Opcode = frame[0]
	}
	g.logger.Debug().
		Uint64("session", s.ID()).
		Hex("opcode", []byte{p.Opcode}).
		Int("length", p.Length).
		Err(err).
		Msg("frame rejected")

	g.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventFrameRejected,
		Source:  eventSource,
		Payload: p,
	})
}

func (g *Gateway) dispatch(s *Session, msg protocol.Message) {
	d := msg.Descriptor()
	h := g.handler(d.Opcode)
	if h == nil {
		g.unhandled.Add(1)
		g.logger.Debug().Uint64("session", s.ID()).Str("message", d.Name).Msg("no handler")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			g.handlerErrors.Add(1)
			g.logger.Error().
				Uint64("session", s.ID()).
				Str("message", d.Name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := h(s, msg); err != nil {
		g.handlerErrors.Add(1)
		g.logger.Warn().Err(err).Uint64("session", s.ID()).Str("message", d.Name).Msg("handler failed")
	}
}

// OnDisconnect finalises and forgets the session.
func (g *Gateway) OnDisconnect(c *network.Connection) {
	g.sessionsMu.Lock()
	s, ok := g.sessions[c.ID()]
	delete(g.sessions, c.ID())
	g.sessionsMu.Unlock()

	g.table.Remove(c.ID())
	if !ok {
		return
	}
	if from := s.state.Disconnect(); from != session.PhaseDisconnected {
		g.phaseChanged(s, from)
	}
}

// OnError logs transport and transformer faults. The connection closes
// itself.
func (g *Gateway) OnError(c *network.Connection, err error) {
	g.logger.Warn().Err(err).Uint64("session", c.ID()).Msg("connection error")
}

// Session returns a live session.
func (g *Gateway) Session(id uint64) (*Session, bool) {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// Sessions returns every live session ordered by id.
func (g *Gateway) Sessions() []*Session {
	g.sessionsMu.RLock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	g.sessionsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Send encodes msg and writes it to the session with the given id.
func (g *Gateway) Send(id uint64, msg protocol.Message) error {
	s, ok := g.Session(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return g.send(s, msg)
}

func (g *Gateway) send(s *Session, msg protocol.Message) error {
	frame, err := g.registry.Encode(msg)
	if err != nil {
		g.sendErrors.Add(1)
		return err
	}
	if err := s.conn.Send(frame); err != nil {
		g.sendErrors.Add(1)
		return err
	}
	g.messagesSent.Add(1)
	return nil
}

// Broadcast sends msg to every in-game session and returns how many
// received it.
func (g *Gateway) Broadcast(msg protocol.Message) (int, error) {
	frame, err := g.registry.Encode(msg)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, s := range g.Sessions() {
		if s.state.Phase() != session.PhaseInGame {
			continue
		}
		if err := s.conn.Send(frame); err != nil {
			g.sendErrors.Add(1)
			continue
		}
		sent++
	}
	g.messagesSent.Add(uint64(sent))
	return sent, nil
}

// Kick disconnects a session.
func (g *Gateway) Kick(id uint64, reason string) error {
	s, ok := g.Session(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	g.logger.Info().Uint64("session", id).Str("reason", reason).Msg("kicking session")
	s.Close()
	return nil
}

// Stats returns a snapshot of the gateway counters.
func (g *Gateway) Stats() Stats {
	byPhase := make(map[string]int)
	for p, n := range g.table.CountByPhase() {
		byPhase[p.String()] = n
	}
	return Stats{
		Sessions:       g.table.Len(),
		ByPhase:        byPhase,
		FramesDecoded:  g.framesDecoded.Load(),
		FramesRejected: g.framesRejected.Load(),
		Unhandled:      g.unhandled.Load(),
		HandlerErrors:  g.handlerErrors.Load(),
		MessagesSent:   g.messagesSent.Load(),
		SendErrors:     g.sendErrors.Load(),
	}
}

func (g *Gateway) phaseChanged(s *Session, from session.Phase) {
	to := s.state.Phase()
	g.logger.Debug().
		Uint64("session", s.ID()).
		Stringer("from", from).
		Stringer("to", to).
		Msg("phase changed")

	g.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventPhaseChanged,
		Source: eventSource,
		Payload: events.PhaseChangedPayload{
			SessionID: s.ID(),
			From:      from.String(),
			To:        to.String(),
			Account:   s.state.Account(),
			Character: s.state.Character(),
		},
	})
}
