package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

type loggingDB struct {
	inner  DBTX
	logger *slog.Logger
}

func (l loggingDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := l.inner.ExecContext(ctx, query, args...)
	l.trace(ctx, "sql exec", query, args, time.Since(start), err)
	return res, err
}

func (l loggingDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := l.inner.QueryContext(ctx, query, args...)
	l.trace(ctx, "sql query", query, args, time.Since(start), err)
	return rows, err
}

func (l loggingDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	l.trace(ctx, "sql query row", query, args, 0, nil)
	return l.inner.QueryRowContext(ctx, query, args...)
}

func (l loggingDB) trace(ctx context.Context, msg, query string, args []any, elapsed time.Duration, err error) {
	level := slog.LevelDebug
	attrs := []slog.Attr{
		slog.String("query", compactQuery(query)),
		slog.Any("args", args),
	}
	if elapsed > 0 {
		attrs = append(attrs, slog.Duration("duration", elapsed))
	}
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

// compactQuery folds whitespace runs so multi-line statements log on one line.
func compactQuery(q string) string {
	out := make([]byte, 0, len(q))
	space := false
	for i := 0; i < len(q); i++ {
		c := q[i]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			space = len(out) > 0
			continue
		}
		if space {
			out = append(out, ' ')
			space = false
		}
		out = append(out, c)
	}
	return string(out)
}
