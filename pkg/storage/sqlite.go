package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"freepress/pkg/types"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mirror_records (
	cid        TEXT PRIMARY KEY,
	site_cid   TEXT NOT NULL,
	pubkey     TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	pinned_at  INTEGER NOT NULL DEFAULT 0,
	pinned     INTEGER NOT NULL DEFAULT 0,
	pin_error  TEXT NOT NULL DEFAULT '',
	origin     TEXT NOT NULL
);`

// SQLite stores records in a single-file database.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, rec types.MirrorRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mirror_records (cid, site_cid, pubkey, title, size_bytes, pinned_at, pinned, pin_error, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cid) DO UPDATE SET
			site_cid = excluded.site_cid,
			pubkey = excluded.pubkey,
			title = excluded.title,
			size_bytes = excluded.size_bytes,
			pinned_at = excluded.pinned_at,
			pinned = excluded.pinned,
			pin_error = excluded.pin_error,
			origin = excluded.origin`,
		rec.CID, rec.SiteCID, rec.PubKey, rec.Title, rec.SizeBytes,
		rec.PinnedAt, rec.Pinned, rec.PinError, string(rec.Origin),
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.CID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, cid string) (types.MirrorRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cid, site_cid, pubkey, title, size_bytes, pinned_at, pinned, pin_error, origin
		FROM mirror_records WHERE cid = ?`, cid)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MirrorRecord{}, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	if err != nil {
		return types.MirrorRecord{}, fmt.Errorf("get record %s: %w", cid, err)
	}
	return rec, nil
}

func (s *SQLite) Delete(ctx context.Context, cid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mirror_records WHERE cid = ?`, cid)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", cid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record %s: %w", cid, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]types.MirrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cid, site_cid, pubkey, title, size_bytes, pinned_at, pinned, pin_error, origin
		FROM mirror_records`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []types.MirrorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sortRecords(out)
	return out, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (types.MirrorRecord, error) {
	var (
		rec    types.MirrorRecord
		origin string
	)
	err := row.Scan(&rec.CID, &rec.SiteCID, &rec.PubKey, &rec.Title, &rec.SizeBytes,
		&rec.PinnedAt, &rec.Pinned, &rec.PinError, &origin)
	rec.Origin = types.RecordOrigin(origin)
	return rec, err
}
