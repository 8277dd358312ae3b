package storage

import (
	"context"
	"fmt"
	"sync"

	"freepress/pkg/types"
)

type Memory struct {
	mu      sync.RWMutex
	records map[string]types.MirrorRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]types.MirrorRecord)}
}

func (m *Memory) Put(_ context.Context, rec types.MirrorRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.CID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, cid string) (types.MirrorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[cid]
	if !ok {
		return types.MirrorRecord{}, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	return rec, nil
}

func (m *Memory) Delete(_ context.Context, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[cid]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	delete(m.records, cid)
	return nil
}

func (m *Memory) List(_ context.Context) ([]types.MirrorRecord, error) {
	m.mu.RLock()
	out := make([]types.MirrorRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
