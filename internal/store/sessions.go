package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"airouter/internal/llmerr"
)

// Session is one conversation with its trigger-maintained counters.
type Session struct {
	ID           string    `json:"session_id"`
	Title        string    `json:"title"`
	ModelID      string    `json:"model_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	Status       string    `json:"status"`
	Tags         []string  `json:"tags,omitempty"`
	Bookmarked   bool      `json:"bookmarked,omitempty"`
}

const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Filter narrows ListSessions and Search. Zero fields are unconstrained.
type Filter struct {
	Status  string
	Tag     string
	ModelID string
	Since   time.Time
	Until   time.Time
}

// whereClauses renders the filter as SQL predicates against a sessions table
// aliased as alias.
func (f Filter) whereClauses(alias string) ([]string, []any) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, alias+".status = ?")
		args = append(args, f.Status)
	}
	if f.ModelID != "" {
		where = append(where, alias+".model_id = ?")
		args = append(args, f.ModelID)
	}
	if f.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM session_tags t WHERE t.session_id = "+alias+".session_id AND t.tag = ?)")
		args = append(args, f.Tag)
	}
	if !f.Since.IsZero() {
		where = append(where, alias+".last_activity >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		where = append(where, alias+".last_activity <= ?")
		args = append(args, f.Until.UTC().Format(timeLayout))
	}
	return where, args
}

// CreateSession inserts a new active session and returns its id.
func (s *Store) CreateSession(ctx context.Context, modelID, title string) (string, error) {
	if modelID == "" {
		return "", llmerr.New(llmerr.KindInvalidParameter, "store: model id is required")
	}
	id := uuid.NewString()
	now := s.timestamp()
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sessions (session_id, title, model_id, created_at, last_activity, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, title, modelID, now, now, StatusActive)
		if err != nil {
			return s.classify(err, "create session")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

const sessionColumns = `s.session_id, s.title, s.model_id, s.created_at, s.last_activity,
	s.message_count, s.total_tokens, s.status,
	EXISTS (SELECT 1 FROM bookmarks b WHERE b.session_id = s.session_id)`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var created, activity string
	if err := row.Scan(&sess.ID, &sess.Title, &sess.ModelID, &created, &activity,
		&sess.MessageCount, &sess.TotalTokens, &sess.Status, &sess.Bookmarked); err != nil {
		return nil, err
	}
	sess.CreatedAt = parseTime(created)
	sess.LastActivity = parseTime(activity)
	return &sess, nil
}

// GetSession fetches one session with its tags.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.reader.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, llmerr.New(llmerr.KindNotFound, fmt.Sprintf("session %q not found", id))
	}
	if err != nil {
		return nil, s.classify(err, "get session")
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT tag FROM session_tags WHERE session_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, s.classify(err, "get session tags")
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, s.classify(err, "get session tags")
		}
		sess.Tags = append(sess.Tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "get session tags")
	}
	return sess, nil
}

// ListSessions returns sessions matching the filter ordered by last activity,
// most recent first.
func (s *Store) ListSessions(ctx context.Context, filter Filter, limit, offset int) ([]*Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where, args := filter.whereClauses("s")

	query := `SELECT ` + sessionColumns + ` FROM sessions s`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.last_activity DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err, "list sessions")
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, s.classify(err, "list sessions")
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "list sessions")
	}
	return out, nil
}

// Tag attaches a tag to a session. Tagging twice is a no-op.
func (s *Store) Tag(ctx context.Context, id, tag string) error {
	if tag == "" {
		return llmerr.New(llmerr.KindInvalidParameter, "store: tag must not be empty")
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		if err := requireSession(tx, id); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO session_tags (session_id, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			id, tag)
		return s.classify(err, "tag")
	})
}

// Untag removes a tag. Removing an absent tag is a no-op.
func (s *Store) Untag(ctx context.Context, id, tag string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if err := requireSession(tx, id); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM session_tags WHERE session_id = ? AND tag = ?`, id, tag)
		return s.classify(err, "untag")
	})
}

// Bookmark sets or clears a session's bookmark flag. Idempotent either way.
func (s *Store) Bookmark(ctx context.Context, id string, flag bool) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if err := requireSession(tx, id); err != nil {
			return err
		}
		var err error
		if flag {
			_, err = tx.Exec(
				`INSERT INTO bookmarks (session_id, created_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
				id, s.timestamp())
		} else {
			_, err = tx.Exec(`DELETE FROM bookmarks WHERE session_id = ?`, id)
		}
		return s.classify(err, "bookmark")
	})
}

// Archive flips a session to archived status. Its messages stay intact.
func (s *Store) Archive(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sessions SET status = ? WHERE session_id = ?`, StatusArchived, id)
		if err != nil {
			return s.classify(err, "archive")
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return llmerr.New(llmerr.KindNotFound, fmt.Sprintf("session %q not found", id))
		}
		return nil
	})
}

func requireSession(tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return llmerr.New(llmerr.KindNotFound, fmt.Sprintf("session %q not found", id))
	}
	return err
}
