package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recomma/flipledger/pkg/sqllogger"
)

const insertActivity = `
INSERT INTO activity_log (timestamp_utc, level, owner_id, scope, message, attrs, source_file, source_line)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const listActivity = `
SELECT id, timestamp_utc, level, COALESCE(scope, ''), message, attrs
FROM activity_log
WHERE owner_id = ? AND timestamp_utc >= ?
ORDER BY timestamp_utc DESC, id DESC
LIMIT ?`

// ActivityEntry is one journal row read back for an owner.
type ActivityEntry struct {
	ID      int64           `json:"id"`
	Time    time.Time       `json:"time"`
	Level   string          `json:"level"`
	Scope   string          `json:"scope,omitempty"`
	Message string          `json:"message"`
	Attrs   json.RawMessage `json:"attrs"`
}

// ActivityInsertFunc returns a sqllogger.InsertFunc writing to activity_log.
func (s *Storage) ActivityInsertFunc() sqllogger.InsertFunc {
	return func(ctx context.Context, e sqllogger.Entry) error {
		if err := s.lock(); err != nil {
			return err
		}
		defer s.mu.Unlock()

		// statements are not traced here; the logger feeds this sink
		_, err := s.db.ExecContext(ctx, insertActivity,
			toMillis(e.Time), e.Level, nullString(e.OwnerID), nullString(e.Scope),
			e.Message, e.AttrsJSON, nullString(e.SourceFile), nullInt(e.SourceLine),
		)
		return err
	}
}

// ListActivity returns up to limit journal rows of owner since since, newest
// first.
func (s *Storage) ListActivity(ctx context.Context, ownerID string, since time.Time, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	rows, err := s.q().QueryContext(ctx, listActivity, ownerID, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var (
			e     ActivityEntry
			ts    int64
			attrs []byte
		)
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Scope, &e.Message, &attrs); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.Time = fromMillis(ts)
		e.Attrs = json.RawMessage(attrs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v > 0}
}
