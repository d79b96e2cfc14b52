// Package store persists sessions and messages in a single SQLite database
// file. Durability comes from WAL journaling with synchronous=NORMAL; every
// connection enables foreign-key enforcement at open time. Cached session
// counters are maintained by triggers, never by application arithmetic, so
// they cannot drift from the message rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"airouter/internal/llmerr"
)

// timeLayout is fixed-width UTC so stored timestamps compare lexically the
// same way they compare chronologically. Triggers rely on that.
const timeLayout = "2006-01-02 15:04:05.000000000"

// Config controls pool sizing and operation deadlines.
type Config struct {
	// Path is the database file path. ":memory:" opens a private in-memory
	// database, used by tests.
	Path string

	// PoolSize bounds concurrent reader connections. Writers always
	// serialize on one dedicated connection.
	PoolSize int

	// BusyTimeout is the SQLite-level lock wait before SQLITE_BUSY.
	BusyTimeout time.Duration

	// OpTimeout caps any single store operation that arrives without a
	// caller deadline. Pool exhaustion past this point fails with Timeout.
	OpTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the standard store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		PoolSize:    5,
		BusyTimeout: 5 * time.Second,
		OpTimeout:   30 * time.Second,
	}
}

// Store is a session database handle. It is safe for concurrent use.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	cfg    Config
	logger *zap.Logger

	// now is swapped out by tests.
	now func() time.Time
}

// Open opens (creating if needed) the database at cfg.Path, applies the
// schema, and runs the startup integrity check. Drift or orphan findings are
// logged, never silently repaired.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, llmerr.New(llmerr.KindInvalidParameter, "store: path is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	dsn := dsnFor(cfg)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetConnMaxIdleTime(0)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader pool: %w", err)
	}
	reader.SetMaxOpenConns(cfg.PoolSize)
	reader.SetMaxIdleConns(cfg.PoolSize)

	s := &Store{
		writer: writer,
		reader: reader,
		cfg:    cfg,
		logger: cfg.Logger.Named("store"),
		now:    time.Now,
	}

	if err := s.applySchema(ctx); err != nil {
		s.Close()
		return nil, err
	}

	report, err := s.IntegrityCheck(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if !report.Clean() {
		s.logger.Warn("integrity check found problems, run repair to fix",
			zap.Int("orphaned_messages", report.OrphanedMessages),
			zap.Int("count_drift_sessions", report.CountDriftSessions),
			zap.Int("token_drift_sessions", report.TokenDriftSessions))
	}
	return s, nil
}

// dsnFor builds the modernc connection string. Pragmas in the DSN apply to
// every pooled connection, which is what foreign-key enforcement needs.
func dsnFor(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	path := cfg.Path
	if path == ":memory:" {
		// Shared cache keeps the writer and reader pools on one database.
		return "file::memory:?cache=shared&" + q.Encode()
	}
	return "file:" + path + "?" + q.Encode()
}

// Close releases both connection pools.
func (s *Store) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// opCtx applies the store's default deadline when the caller supplied none.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// write runs fn inside one transaction on the writer connection. Concurrent
// writers queue on the single connection; waiting past the deadline fails
// with Timeout.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err, "begin write")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.classify(err, "commit")
	}
	return nil
}

// classify maps driver and context failures onto the error taxonomy.
func (s *Store) classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return llmerr.New(llmerr.KindNotFound, "store: "+op+": referenced session does not exist")
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return llmerr.New(llmerr.KindInvalidParameter, "store: "+op+": duplicate key")
	default:
		out := *llmerr.Classify(err, 0)
		out.Message = fmt.Sprintf("store: %s: %s", op, out.Message)
		return &out
	}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
