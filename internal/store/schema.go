package store

import (
	"context"
	"fmt"
)

// The trigger pair keeps sessions.message_count, sessions.total_tokens, and
// sessions.last_activity in lockstep with the messages table. Timestamps are
// fixed-width UTC strings so the MAX() in the insert trigger is correct.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id    TEXT PRIMARY KEY,
    title         TEXT NOT NULL DEFAULT '',
    model_id      TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    last_activity TEXT NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    total_tokens  INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived'))
);

CREATE TABLE IF NOT EXISTS messages (
    message_id      INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL REFERENCES sessions(session_id),
    sequence_number INTEGER NOT NULL CHECK (sequence_number >= 1),
    role            TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content         TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    tokens_used     INTEGER,
    model_id        TEXT,
    metadata        TEXT,
    UNIQUE (session_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity DESC);

CREATE TABLE IF NOT EXISTS session_tags (
    session_id TEXT NOT NULL REFERENCES sessions(session_id),
    tag        TEXT NOT NULL,
    PRIMARY KEY (session_id, tag)
);

CREATE TABLE IF NOT EXISTS bookmarks (
    session_id TEXT PRIMARY KEY REFERENCES sessions(session_id),
    created_at TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS messages_after_insert
AFTER INSERT ON messages
BEGIN
    UPDATE sessions SET
        message_count = message_count + 1,
        total_tokens  = total_tokens + COALESCE(NEW.tokens_used, 0),
        last_activity = MAX(last_activity, NEW.created_at)
    WHERE session_id = NEW.session_id;
END;

CREATE TRIGGER IF NOT EXISTS messages_after_delete
AFTER DELETE ON messages
BEGIN
    UPDATE sessions SET
        message_count = message_count - 1,
        total_tokens  = total_tokens - COALESCE(OLD.tokens_used, 0)
    WHERE session_id = OLD.session_id;
END;

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    content,
    content='messages',
    content_rowid='message_id'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert
AFTER INSERT ON messages
BEGIN
    INSERT INTO messages_fts(rowid, content) VALUES (NEW.message_id, NEW.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete
AFTER DELETE ON messages
BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', OLD.message_id, OLD.content);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS sessions_fts USING fts5(
    title,
    content='sessions',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS sessions_fts_insert
AFTER INSERT ON sessions
BEGIN
    INSERT INTO sessions_fts(rowid, title) VALUES (NEW.rowid, NEW.title);
END;

CREATE TRIGGER IF NOT EXISTS sessions_fts_update
AFTER UPDATE OF title ON sessions
BEGIN
    INSERT INTO sessions_fts(sessions_fts, rowid, title) VALUES ('delete', OLD.rowid, OLD.title);
    INSERT INTO sessions_fts(rowid, title) VALUES (NEW.rowid, NEW.title);
END;

CREATE TRIGGER IF NOT EXISTS sessions_fts_delete
AFTER DELETE ON sessions
BEGIN
    INSERT INTO sessions_fts(sessions_fts, rowid, title) VALUES ('delete', OLD.rowid, OLD.title);
END;
`

func (s *Store) applySchema(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := s.writer.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
