package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shard/internal/events"
)

// SessionRecord is one row of the session audit log.
type SessionRecord struct {
	ID             int64     `json:"id"`
	SessionID      uint64    `json:"session_id"`
	Remote         string    `json:"remote"`
	Account        string    `json:"account,omitempty"`
	Character      string    `json:"character,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at,omitempty"`
	BytesIn        uint64    `json:"bytes_in"`
	BytesOut       uint64    `json:"bytes_out"`
}

// SessionLog records connection history.
type SessionLog struct {
	db *Database
}

const sessionLogSchema = `
	CREATE TABLE IF NOT EXISTS session_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		remote TEXT NOT NULL,
		account TEXT NOT NULL DEFAULT '',
		character TEXT NOT NULL DEFAULT '',
		connected_at INTEGER NOT NULL,
		disconnected_at INTEGER NOT NULL DEFAULT 0,
		bytes_in INTEGER NOT NULL DEFAULT 0,
		bytes_out INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_session_log_open ON session_log (session_id, disconnected_at);`

// NewSessionLog creates the session log table if needed.
func NewSessionLog(d *Database) (*SessionLog, error) {
	if err := d.Migrate(sessionLogSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate session log: %w", err)
	}
	return &SessionLog{db: d}, nil
}

// Subscribe records session lifecycle events from the bus.
func (l *SessionLog) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventSessionConnected, "session_log", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ConnectionPayload)
		if !ok {
			return nil
		}
		return l.RecordConnect(p.SessionID, p.Remote, e.Time)
	})
	bus.Subscribe(events.EventPhaseChanged, "session_log", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.PhaseChangedPayload)
		if !ok || (p.Account == "" && p.Character == "") {
			return nil
		}
		return l.RecordIdentity(p.SessionID, p.Account, p.Character)
	})
	bus.Subscribe(events.EventSessionDisconnected, "session_log", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ConnectionPayload)
		if !ok {
			return nil
		}
		return l.RecordDisconnect(p.SessionID, p.BytesIn, p.BytesOut, e.Time)
	})
}

// openRow selects the latest still-open row of a session.
const openRow = `(SELECT id FROM session_log WHERE session_id = ? AND disconnected_at = 0 ORDER BY id DESC LIMIT 1)`

// RecordConnect opens a row for a new session.
func (l *SessionLog) RecordConnect(sessionID uint64, remote string, at time.Time) error {
	_, err := l.db.Exec(
		"INSERT INTO session_log (session_id, remote, connected_at) VALUES (?, ?, ?)",
		int64(sessionID), remote, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record connect of session %d: %w", sessionID, err)
	}
	return nil
}

// RecordIdentity stores the account and character of an open session.
// Empty values leave the stored ones unchanged.
func (l *SessionLog) RecordIdentity(sessionID uint64, account, character string) error {
	_, err := l.db.Exec(
		`UPDATE session_log SET
			account = CASE WHEN ? = '' THEN account ELSE ? END,
			character = CASE WHEN ? = '' THEN character ELSE ? END
		WHERE id = `+openRow,
		account, account, character, character, int64(sessionID),
	)
	if err != nil {
		return fmt.Errorf("failed to record identity of session %d: %w", sessionID, err)
	}
	return nil
}

// RecordDisconnect closes the open row of a session.
func (l *SessionLog) RecordDisconnect(sessionID uint64, bytesIn, bytesOut uint64, at time.Time) error {
	_, err := l.db.Exec(
		"UPDATE session_log SET disconnected_at = ?, bytes_in = ?, bytes_out = ? WHERE id = "+openRow,
		at.Unix(), int64(bytesIn), int64(bytesOut), int64(sessionID),
	)
	if err != nil {
		return fmt.Errorf("failed to record disconnect of session %d: %w", sessionID, err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (l *SessionLog) Recent(limit int) ([]SessionRecord, error) {
	rows, err := l.db.Query(
		`SELECT id, session_id, remote, account, character, connected_at, disconnected_at, bytes_in, bytes_out
		FROM session_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		r, err := scanSessionRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanSessionRecord(rows *sql.Rows) (SessionRecord, error) {
	var r SessionRecord
	var sid, in, out, connected, disconnected int64
	if err := rows.Scan(&r.ID, &sid, &r.Remote, &r.Account, &r.Character,
		&connected, &disconnected, &in, &out); err != nil {
		return r, err
	}
	r.SessionID = uint64(sid)
	r.BytesIn = uint64(in)
	r.BytesOut = uint64(out)
	r.ConnectedAt = time.Unix(connected, 0)
	if disconnected > 0 {
		r.DisconnectedAt = time.Unix(disconnected, 0)
	}
	return r, nil
}

// Prune deletes closed rows older than retention and returns how many were
// removed.
func (l *SessionLog) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := l.db.Exec(
		"DELETE FROM session_log WHERE disconnected_at > 0 AND disconnected_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune session log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("rows", n).Msg("session log pruned")
	}
	return n, nil
}
