package store

import (
	"context"
	"strings"

	"airouter/internal/llmerr"
)

// SearchHit is one ranked full-text match, collapsed to the best hit per
// session.
type SearchHit struct {
	SessionID string  `json:"session_id"`
	Excerpt   string  `json:"excerpt"`
	Rank      float64 `json:"rank"`
}

// Search runs a full-text query over message content and session titles.
// bm25 scores are negative-is-better; hits are returned best first. Duplicate
// hits within one session collapse to that session's best via a window
// function rather than a distinct over the raw join.
func (s *Store) Search(ctx context.Context, query string, filter Filter, limit int) ([]SearchHit, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if strings.TrimSpace(query) == "" {
		return nil, llmerr.New(llmerr.KindInvalidParameter, "store: search query must not be empty")
	}
	if limit <= 0 {
		limit = 20
	}

	match := ftsQuote(query)
	args := []any{match, match}

	where := "1=1"
	if clauses, filterArgs := filter.whereClauses("sess"); len(clauses) > 0 {
		where = strings.Join(clauses, " AND ")
		args = append(args, filterArgs...)
	}
	args = append(args, limit)

	rows, err := s.reader.QueryContext(ctx, `
		WITH hits AS (
		    SELECT m.session_id AS session_id,
		           snippet(messages_fts, 0, '[', ']', '…', 12) AS excerpt,
		           bm25(messages_fts) AS rank
		    FROM messages_fts
		    JOIN messages m ON m.message_id = messages_fts.rowid
		    WHERE messages_fts MATCH ?
		    UNION ALL
		    SELECT s2.session_id,
		           snippet(sessions_fts, 0, '[', ']', '…', 12),
		           bm25(sessions_fts)
		    FROM sessions_fts
		    JOIN sessions s2 ON s2.rowid = sessions_fts.rowid
		    WHERE sessions_fts MATCH ?
		),
		best AS (
		    SELECT session_id, excerpt, rank,
		           ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY rank) AS rn
		    FROM hits
		)
		SELECT best.session_id, best.excerpt, best.rank
		FROM best
		JOIN sessions sess ON sess.session_id = best.session_id
		WHERE best.rn = 1 AND `+where+`
		ORDER BY best.rank
		LIMIT ?`, args...)
	if err != nil {
		return nil, s.classify(err, "search")
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.SessionID, &h.Excerpt, &h.Rank); err != nil {
			return nil, s.classify(err, "search")
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "search")
	}
	return out, nil
}

// ftsQuote turns arbitrary user input into a conjunction of quoted FTS5
// terms so punctuation cannot be misread as query syntax.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
