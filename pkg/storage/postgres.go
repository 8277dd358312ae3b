package storage

import (
	"context"
	"errors"
	"fmt"

	"freepress/pkg/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS mirror_records (
	cid        TEXT PRIMARY KEY,
	site_cid   TEXT NOT NULL,
	pubkey     TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	pinned_at  BIGINT NOT NULL DEFAULT 0,
	pinned     BOOLEAN NOT NULL DEFAULT FALSE,
	pin_error  TEXT NOT NULL DEFAULT '',
	origin     TEXT NOT NULL
);`

// Postgres shares one records table between nodes that point at the same
// database; use a database per node.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Put(ctx context.Context, rec types.MirrorRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO mirror_records (cid, site_cid, pubkey, title, size_bytes, pinned_at, pinned, pin_error, origin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (cid) DO UPDATE SET
			site_cid = EXCLUDED.site_cid,
			pubkey = EXCLUDED.pubkey,
			title = EXCLUDED.title,
			size_bytes = EXCLUDED.size_bytes,
			pinned_at = EXCLUDED.pinned_at,
			pinned = EXCLUDED.pinned,
			pin_error = EXCLUDED.pin_error,
			origin = EXCLUDED.origin`,
		rec.CID, rec.SiteCID, rec.PubKey, rec.Title, rec.SizeBytes,
		rec.PinnedAt, rec.Pinned, rec.PinError, string(rec.Origin),
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.CID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, cid string) (types.MirrorRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT cid, site_cid, pubkey, title, size_bytes, pinned_at, pinned, pin_error, origin
		FROM mirror_records WHERE cid = $1`, cid)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.MirrorRecord{}, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	if err != nil {
		return types.MirrorRecord{}, fmt.Errorf("get record %s: %w", cid, err)
	}
	return rec, nil
}

func (p *Postgres) Delete(ctx context.Context, cid string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM mirror_records WHERE cid = $1`, cid)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", cid, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]types.MirrorRecord, error) {
	rows, err := p.pool.Query(ctx, `
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

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping reports whether the database answers.
func (p *Postgres) Ping(ctx context.Context) error {
	var one int
	return p.pool.QueryRow(ctx, "select 1").Scan(&one)
}
