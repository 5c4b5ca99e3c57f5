package session

import (
	"fmt"
	"slices"
	"sync"
)

// Table maps session ids to their state.
type Table struct {
	mu     sync.RWMutex
	states map[uint64]*State
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{states: make(map[uint64]*State)}
}

// Create registers a new session in the Connected phase.
func (t *Table) Create(id uint64, remote string) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.states[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionExists, id)
	}
	s := NewState(id, remote)
	t.states[id] = s
	return s, nil
}

// Get returns the session for id.
func (t *Table) Get(id uint64) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	return s, ok
}

// Remove deletes the session for id and returns it.
func (t *Table) Remove(id uint64) (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	delete(t.states, id)
	return s, ok
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// All returns every session ordered by id.
func (t *Table) All() []*State {
	t.mu.RLock()
	out := make([]*State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b *State) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// CountByPhase returns the number of sessions in each phase.
func (t *Table) CountByPhase() map[Phase]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[Phase]int)
	for _, s := range t.states {
		counts[s.Phase()]++
	}
	return counts
}

// CompressionEnabled reports the compression switch of session id.
func (t *Table) CompressionEnabled(id uint64) bool {
	s, ok := t.Get(id)
	return ok && s.CompressionEnabled()
}

// EncryptionEnabled reports the encryption switch of session id.
func (t *Table) EncryptionEnabled(id uint64) bool {
	s, ok := t.Get(id)
	return ok && s.EncryptionEnabled()
}
