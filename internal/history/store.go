// Package history provides PostgreSQL-backed storage for completed practice
// session transcripts. The relay archives a transcript when a session's
// topics go quiet; per-session history served by the matcher is built on
// these rows.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asep/peerpractice/internal/message"
)

// Transcript is a completed session's message log ready for archival.
type Transcript struct {
	SessionID int64
	Topic     string
	Messages  []message.Message
	EndedAt   time.Time
}

// Store manages transcripts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a transcript store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Archive inserts a transcript. Messages are marshalled to JSONB. Archiving
// the same session twice upserts, keeping the latest log: the relay may see
// a session's topics drain more than once when a participant reconnects.
func (s *Store) Archive(ctx context.Context, t Transcript) error {
	messagesJSON, err := json.Marshal(t.Messages)
	if err != nil {
		return fmt.Errorf("history: marshal messages: %w", err)
	}

	const query = `
		INSERT INTO session_transcripts (session_id, topic, messages, ended_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET topic = EXCLUDED.topic, messages = EXCLUDED.messages, ended_at = EXCLUDED.ended_at`

	if _, err := s.db.ExecContext(ctx, query, t.SessionID, t.Topic, messagesJSON, t.EndedAt); err != nil {
		return fmt.Errorf("history: archive session %d: %w", t.SessionID, err)
	}
	return nil
}

// Get retrieves the archived transcript for a session. Returns nil if the
// session has no archive.
func (s *Store) Get(ctx context.Context, sessionID int64) (*Transcript, error) {
	const query = `
		SELECT topic, messages, ended_at
		FROM session_transcripts
		WHERE session_id = $1`

	var (
		t   = Transcript{SessionID: sessionID}
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&t.Topic, &raw, &t.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: get session %d: %w", sessionID, err)
	}
	if err := json.Unmarshal(raw, &t.Messages); err != nil {
		return nil, fmt.Errorf("history: decode messages for session %d: %w", sessionID, err)
	}
	return &t, nil
}

// CountSince returns the number of sessions archived within the given
// window, for operational dashboards.
func (s *Store) CountSince(ctx context.Context, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM session_transcripts
		WHERE ended_at >= NOW() - $1::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("history: count since: %w", err)
	}
	return count, nil
}
