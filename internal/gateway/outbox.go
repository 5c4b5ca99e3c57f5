package gateway

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/energizer-project/shard/internal/network"
	"github.com/energizer-project/shard/internal/protocol"
)

// Envelope addresses a message to a session.
type Envelope struct {
	SessionID uint64
	Message   protocol.Message
}

// Outbox is a bounded queue of outbound messages drained by Run. Producers
// such as the game loop enqueue without touching connections.
type Outbox struct {
	gw      *Gateway
	queue   chan Envelope
	dropped atomic.Uint64
}

// NewOutbox creates an outbox holding up to size pending messages.
func NewOutbox(gw *Gateway, size int) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{gw: gw, queue: make(chan Envelope, size)}
}

// Enqueue queues msg for the session. It returns false and counts a drop
// when the outbox is full.
func (o *Outbox) Enqueue(sessionID uint64, msg protocol.Message) bool {
	select {
	case o.queue <- Envelope{SessionID: sessionID, Message: msg}:
		return true
	default:
		o.dropped.Add(1)
		return false
	}
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int { return len(o.queue) }

// Dropped returns how many messages were refused because the outbox was
// full.
func (o *Outbox) Dropped() uint64 { return o.dropped.Load() }

// Run delivers queued messages until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-o.queue:
			o.deliver(env)
		}
	}
}

func (o *Outbox) deliver(env Envelope) {
	err := o.gw.Send(env.SessionID, env.Message)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownSession), errors.Is(err, network.ErrConnectionClosed):
		o.gw.logger.Debug().Uint64("session", env.SessionID).Msg("outbox target gone")
	default:
		o.gw.logger.Warn().Err(err).Uint64("session", env.SessionID).Msg("outbox delivery failed")
	}
}
