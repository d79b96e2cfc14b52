package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"airouter/internal/llmerr"
)

// Message is one turn in a session, identified by (session id, sequence).
type Message struct {
	SessionID      string         `json:"session_id"`
	SequenceNumber int            `json:"sequence_number"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	TokensUsed     int            `json:"tokens_used,omitempty"`
	ModelID        string         `json:"model_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

var validRoles = map[string]bool{
	"user": true, "assistant": true, "system": true, "tool": true,
}

// AppendMessage appends a message and returns the assigned sequence number.
// Sequence numbers are dense from 1; assignment happens inside the writer
// transaction so concurrent appends to one session never collide or skip.
func (s *Store) AppendMessage(ctx context.Context, m Message) (int, error) {
	if m.SessionID == "" {
		return 0, llmerr.New(llmerr.KindInvalidParameter, "store: session id is required")
	}
	if !validRoles[m.Role] {
		return 0, llmerr.New(llmerr.KindInvalidParameter,
			fmt.Sprintf("store: role %q is not one of user, assistant, system, tool", m.Role))
	}

	var metadata sql.NullString
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return 0, llmerr.New(llmerr.KindInvalidParameter, "store: metadata is not serializable: "+err.Error())
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	var tokens sql.NullInt64
	if m.TokensUsed > 0 {
		tokens = sql.NullInt64{Int64: int64(m.TokensUsed), Valid: true}
	}
	var modelID sql.NullString
	if m.ModelID != "" {
		modelID = sql.NullString{String: m.ModelID, Valid: true}
	}

	var seq int
	err := s.write(ctx, func(tx *sql.Tx) error {
		if err := requireSession(tx, m.SessionID); err != nil {
			return err
		}

		// Timestamps within a session never run backwards even if the
		// wall clock does.
		now := s.timestamp()
		var last sql.NullString
		if err := tx.QueryRow(
			`SELECT MAX(created_at) FROM messages WHERE session_id = ?`, m.SessionID,
		).Scan(&last); err != nil {
			return s.classify(err, "append message")
		}
		if last.Valid && last.String > now {
			now = last.String
		}

		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE session_id = ?`,
			m.SessionID,
		).Scan(&seq); err != nil {
			return s.classify(err, "append message")
		}

		_, err := tx.Exec(
			`INSERT INTO messages (session_id, sequence_number, role, content, created_at, tokens_used, model_id, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, seq, m.Role, m.Content, now, tokens, modelID, metadata)
		return s.classify(err, "append message")
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// GetMessages returns messages of a session ordered by sequence number,
// starting at sequence from (inclusive, 0 means from the beginning).
func (s *Store) GetMessages(ctx context.Context, sessionID string, from, limit int) ([]*Message, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 200
	}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT session_id, sequence_number, role, content, created_at, tokens_used, model_id, metadata
		 FROM messages
		 WHERE session_id = ? AND sequence_number >= ?
		 ORDER BY sequence_number
		 LIMIT ?`,
		sessionID, from, limit)
	if err != nil {
		return nil, s.classify(err, "get messages")
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var created string
		var tokens sql.NullInt64
		var modelID, metadata sql.NullString
		if err := rows.Scan(&m.SessionID, &m.SequenceNumber, &m.Role, &m.Content,
			&created, &tokens, &modelID, &metadata); err != nil {
			return nil, s.classify(err, "get messages")
		}
		m.CreatedAt = parseTime(created)
		if tokens.Valid {
			m.TokensUsed = int(tokens.Int64)
		}
		if modelID.Valid {
			m.ModelID = modelID.String
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				s.logger.Warn("unreadable message metadata", zap.String("session_id", m.SessionID))
			}
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "get messages")
	}
	return out, nil
}
