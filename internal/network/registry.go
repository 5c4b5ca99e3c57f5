package network

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionRegistry tracks live connections by session id.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[uint64]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[uint64]*Connection),
	}
}

// Register adds a connection to the registry.
func (r *ConnectionRegistry) Register(conn *Connection) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
	log.Debug().Uint64("session", conn.ID()).Msg("connection registered")
}

// Unregister removes a connection from the registry without closing it.
func (r *ConnectionRegistry) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	log.Debug().Uint64("session", id).Msg("connection unregistered")
	return true
}

// Get returns the connection for a session id.
func (r *ConnectionRegistry) Get(id uint64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// All returns the live connections ordered by session id.
func (r *ConnectionRegistry) All() []*Connection {
	r.mu.RLock()
	result := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and forgets every connection.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	// Close outside the lock: disconnect observers unregister.
	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		log.Info().Int("count", len(conns)).Msg("all connections closed")
	}
}

// CleanStale closes connections that have been inactive for longer than
// timeout and returns how many were closed.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	var stale []*Connection
	r.mu.Lock()
	for id, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		log.Warn().
			Uint64("session", c.ID()).
			Time("last_activity", c.LastActivity()).
			Msg("closing stale connection")
		c.Close()
	}
	return len(stale)
}

// SendToAll sends payload to every connection accepted by filter (nil
// accepts all) and returns the number of successful sends.
func (r *ConnectionRegistry) SendToAll(payload []byte, filter func(*Connection) bool) int {
	sent := 0
	for _, c := range r.All() {
		if filter != nil && !filter(c) {
			continue
		}
		if err := c.Send(payload); err != nil {
			log.Warn().Err(err).Uint64("session", c.ID()).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}
