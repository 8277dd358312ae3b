// Package storage persists mirror records: the node's bookkeeping of what
// it keeps pinned and why.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"freepress/pkg/types"
)

var ErrNotFound = errors.New("storage: record not found")

// RecordStore is keyed by MirrorRecord.CID. Put replaces an existing record.
type RecordStore interface {
	Put(ctx context.Context, rec types.MirrorRecord) error
	Get(ctx context.Context, cid string) (types.MirrorRecord, error)
	Delete(ctx context.Context, cid string) error
	List(ctx context.Context) ([]types.MirrorRecord, error)
	Close() error
}

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend. DSN is a file path for sqlite
// and a connection string for postgres.
type Options struct {
	Backend string
	DSN     string
}

// Open returns the backend named in opts.
func Open(ctx context.Context, opts Options) (RecordStore, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, opts.DSN)
	case BackendPostgres:
		return OpenPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}

func validate(rec types.MirrorRecord) error {
	if rec.CID == "" {
		return errors.New("storage: record has no cid")
	}
	if rec.Origin == "" {
		return errors.New("storage: record has no origin")
	}
	return nil
}

// sortRecords orders newest pin first, unpinned records last, cid as tiebreak.
func sortRecords(recs []types.MirrorRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].PinnedAt != recs[j].PinnedAt {
			return recs[i].PinnedAt > recs[j].PinnedAt
		}
		return recs[i].CID < recs[j].CID
	})
}
