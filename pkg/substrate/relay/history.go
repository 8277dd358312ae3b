package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"freepress/pkg/substrate"

	_ "modernc.org/sqlite"
)

// HistoryStore retains published messages for Query.
type HistoryStore interface {
	Append(ctx context.Context, msg substrate.Message) error
	Since(ctx context.Context, topic string, since time.Time) ([]substrate.Message, error)
	Close() error
}

// MemoryHistory keeps history in process; it is lost on restart.
type MemoryHistory struct {
	h *substrate.History
}

func NewMemoryHistory(capacity int, retention time.Duration) *MemoryHistory {
	return &MemoryHistory{h: substrate.NewHistory(capacity, retention)}
}

func (m *MemoryHistory) Append(_ context.Context, msg substrate.Message) error {
	m.h.Append(msg)
	return nil
}

func (m *MemoryHistory) Since(_ context.Context, topic string, since time.Time) ([]substrate.Message, error) {
	return m.h.Since(topic, since), nil
}

func (m *MemoryHistory) Close() error { return nil }

const historySchema = `
CREATE TABLE IF NOT EXISTS relay_messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic       TEXT NOT NULL,
	data        BLOB NOT NULL,
	sender      TEXT NOT NULL DEFAULT '',
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_messages_topic_time ON relay_messages (topic, received_at);`

// SQLiteHistory persists history so a restarted relay still serves
// offline peers. Each append prunes by age and per-topic count.
type SQLiteHistory struct {
	db        *sql.DB
	capacity  int
	retention time.Duration
	now       func() time.Time
}

func OpenSQLiteHistory(ctx context.Context, path string, capacity int, retention time.Duration) (*SQLiteHistory, error) {
	if path == "" {
		return nil, errors.New("relay: history path is required")
	}
	if capacity <= 0 {
		capacity = substrate.DefaultHistorySize
	}
	if retention <= 0 {
		retention = substrate.DefaultHistoryRetention
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &SQLiteHistory{db: db, capacity: capacity, retention: retention, now: time.Now}, nil
}

func (s *SQLiteHistory) Append(ctx context.Context, msg substrate.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO relay_messages (topic, data, sender, received_at) VALUES (?, ?, ?, ?)`,
		msg.Topic, msg.Data, msg.From, msg.ReceivedAt.UnixNano()); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	cutoff := s.now().Add(-s.retention).UnixNano()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM relay_messages WHERE topic = ? AND received_at < ?`, msg.Topic, cutoff); err != nil {
		return fmt.Errorf("prune expired messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM relay_messages WHERE topic = ? AND seq NOT IN (
			SELECT seq FROM relay_messages WHERE topic = ? ORDER BY seq DESC LIMIT ?
		)`, msg.Topic, msg.Topic, s.capacity); err != nil {
		return fmt.Errorf("prune excess messages: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteHistory) Since(ctx context.Context, topic string, since time.Time) ([]substrate.Message, error) {
	cutoff := s.now().Add(-s.retention)
	if since.Before(cutoff) {
		since = cutoff
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, data, sender, received_at FROM relay_messages
		WHERE topic = ? AND received_at >= ?
		ORDER BY seq`, topic, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []substrate.Message
	for rows.Next() {
		var (
			msg substrate.Message
			at  int64
		)
		if err := rows.Scan(&msg.Topic, &msg.Data, &msg.From, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ReceivedAt = time.Unix(0, at)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}
