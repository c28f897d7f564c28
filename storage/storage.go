package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlc/schema.sql
var schemaDDL string

var ErrClosed = errors.New("storage: closed")

// DBTX is the query surface shared by *sql.DB, *sql.Tx and loggingDB.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage is the sqlite backed store of cost lots, flips, open offers and the
// activity log.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

type options struct {
	logger *slog.Logger
}

// Option configures Storage.
type Option func(*options)

// WithLogger traces every statement through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func New(path string, opts ...Option) (*Storage, error) {
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Storage{db: db}
	if cfg.logger != nil {
		s.logger = cfg.logger.WithGroup("storage")
	}
	return s, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// q returns the query surface for plain statements. Callers hold s.mu.
func (s *Storage) q() DBTX {
	return s.wrap(s.db)
}

func (s *Storage) wrap(inner DBTX) DBTX {
	if s.logger == nil {
		return inner
	}
	return loggingDB{inner: inner, logger: s.logger}
}

// withTx runs fn inside a transaction. Callers hold s.mu.
func (s *Storage) withTx(ctx context.Context, fn func(q DBTX) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	rollback := true
	defer func() {
		if rollback {
			_ = tx.Rollback()
		}
	}()

	if err := fn(s.wrap(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	rollback = false
	return nil
}

func (s *Storage) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
