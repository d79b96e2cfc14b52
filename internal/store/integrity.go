package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// IntegrityReport summarizes consistency problems between the messages table
// and the cached session counters.
type IntegrityReport struct {
	OrphanedMessages   int `json:"orphaned_messages"`
	CountDriftSessions int `json:"count_drift_sessions"`
	TokenDriftSessions int `json:"token_drift_sessions"`
}

// Clean reports whether no problems were found.
func (r IntegrityReport) Clean() bool {
	return r.OrphanedMessages == 0 && r.CountDriftSessions == 0 && r.TokenDriftSessions == 0
}

// IntegrityCheck inspects the database without modifying it. Orphans can
// only exist in databases written before foreign keys were enforced.
func (s *Store) IntegrityCheck(ctx context.Context) (*IntegrityReport, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var report IntegrityReport
	err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE NOT EXISTS (SELECT 1 FROM sessions s WHERE s.session_id = m.session_id)`,
	).Scan(&report.OrphanedMessages)
	if err != nil {
		return nil, s.classify(err, "integrity check")
	}

	err = s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions s
		 WHERE s.message_count != (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.session_id)`,
	).Scan(&report.CountDriftSessions)
	if err != nil {
		return nil, s.classify(err, "integrity check")
	}

	err = s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions s
		 WHERE s.total_tokens != (SELECT COALESCE(SUM(m.tokens_used), 0) FROM messages m WHERE m.session_id = s.session_id)`,
	).Scan(&report.TokenDriftSessions)
	if err != nil {
		return nil, s.classify(err, "integrity check")
	}
	return &report, nil
}

// Repair rebuilds session counters from the message rows and deletes
// orphaned messages, all in one transaction. It is only ever run explicitly.
func (s *Store) Repair(ctx context.Context) (*IntegrityReport, error) {
	before, err := s.IntegrityCheck(ctx)
	if err != nil {
		return nil, err
	}

	err = s.write(ctx, func(tx *sql.Tx) error {
		// Orphans must go through the FTS delete trigger, so delete rows
		// rather than truncating.
		if _, err := tx.Exec(
			`DELETE FROM messages
			 WHERE NOT EXISTS (SELECT 1 FROM sessions s WHERE s.session_id = messages.session_id)`,
		); err != nil {
			return s.classify(err, "repair orphans")
		}
		if _, err := tx.Exec(
			`UPDATE sessions SET
			     message_count = (SELECT COUNT(*) FROM messages m WHERE m.session_id = sessions.session_id),
			     total_tokens  = (SELECT COALESCE(SUM(m.tokens_used), 0) FROM messages m WHERE m.session_id = sessions.session_id)`,
		); err != nil {
			return s.classify(err, "repair counters")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("repair complete",
		zap.Int("orphaned_messages_removed", before.OrphanedMessages),
		zap.Int("count_drift_sessions", before.CountDriftSessions),
		zap.Int("token_drift_sessions", before.TokenDriftSessions))
	return before, nil
}
