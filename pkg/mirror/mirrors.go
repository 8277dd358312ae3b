package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freepress/pkg/contentstore"
	"freepress/pkg/storage"
	"freepress/pkg/types"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

// Mirror pins the site a discovered manifest announces and records it. Two
// concurrent requests for the same site get ErrBusy for the second.
func (p *Pipeline) Mirror(ctx context.Context, m types.Manifest) (types.MirrorRecord, error) {
	if _, err := cid.Decode(m.SiteCID); err != nil {
		return types.MirrorRecord{}, fmt.Errorf("mirror: invalid site cid %q: %w", m.SiteCID, err)
	}

	p.sitesMu.Lock()
	if _, busy := p.sites[m.SiteCID]; busy {
		p.sitesMu.Unlock()
		return types.MirrorRecord{}, ErrBusy
	}
	p.sites[m.SiteCID] = struct{}{}
	p.sitesMu.Unlock()
	defer func() {
		p.sitesMu.Lock()
		delete(p.sites, m.SiteCID)
		p.sitesMu.Unlock()
	}()

	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With(zap.String("site_cid", m.SiteCID), zap.String("manifest_cid", m.ManifestCID))

	_, err := runStage(ctx, p, StatePinning, p.cfg.PinTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.pinString(ctx, m.SiteCID)
	})
	if err != nil {
		logger.Warn("Failed to mirror site", zap.Error(err))
		return types.MirrorRecord{}, fmt.Errorf("mirror %s: %w", m.SiteCID, err)
	}

	key := m.ManifestCID
	if key == "" {
		key = m.SiteCID
	}
	rec := types.MirrorRecord{
		CID:       key,
		SiteCID:   m.SiteCID,
		PubKey:    m.PubKey,
		Title:     m.Title,
		SizeBytes: p.siteSize(ctx, m.SiteCID),
		PinnedAt:  time.Now().UnixMilli(),
		Pinned:    true,
		Origin:    types.OriginMirror,
	}
	if err := p.records.Put(ctx, rec); err != nil {
		return types.MirrorRecord{}, fmt.Errorf("save mirror record: %w", err)
	}
	p.refreshPinnedGauge(ctx)

	logger.Info("Mirrored site", zap.String("title", m.Title), zap.Int64("size_bytes", rec.SizeBytes))
	return rec, nil
}

// Unmirror deletes the record for recordCID and drops the pin unless
// another pinned record still needs the same site.
func (p *Pipeline) Unmirror(ctx context.Context, recordCID string) error {
	rec, err := p.records.Get(ctx, recordCID)
	if err != nil {
		return err
	}

	all, err := p.records.List(ctx)
	if err != nil {
		return err
	}
	shared := false
	for _, other := range all {
		if other.CID != rec.CID && other.SiteCID == rec.SiteCID && other.Pinned {
			shared = true
			break
		}
	}

	if !shared {
		id, err := cid.Decode(rec.SiteCID)
		if err != nil {
			return fmt.Errorf("mirror: invalid site cid %q: %w", rec.SiteCID, err)
		}
		if err := p.store.Unpin(ctx, id); err != nil && !errors.Is(err, contentstore.ErrNotPinned) {
			return fmt.Errorf("unpin %s: %w", rec.SiteCID, err)
		}
	}

	if err := p.records.Delete(ctx, recordCID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	p.refreshPinnedGauge(ctx)

	p.logger.Info("Removed mirror",
		zap.String("cid", recordCID),
		zap.String("site_cid", rec.SiteCID),
		zap.Bool("pin_kept", shared))
	return nil
}

func (p *Pipeline) Records(ctx context.Context) ([]types.MirrorRecord, error) {
	return p.records.List(ctx)
}

func (p *Pipeline) Record(ctx context.Context, recordCID string) (types.MirrorRecord, error) {
	return p.records.Get(ctx, recordCID)
}

func (p *Pipeline) pinString(ctx context.Context, s string) error {
	id, err := cid.Decode(s)
	if err != nil {
		return fmt.Errorf("invalid cid %q: %w", s, err)
	}
	return p.store.Pin(ctx, id)
}

// siteSize is best effort; an unreadable tree reports zero.
func (p *Pipeline) siteSize(ctx context.Context, site string) int64 {
	id, err := cid.Decode(site)
	if err != nil {
		return 0
	}
	size, err := runStage(ctx, p, StatePinning, p.cfg.PinTimeout, func(ctx context.Context) (int64, error) {
		tree, err := p.store.Fetch(ctx, id)
		if err != nil {
			return 0, err
		}
		return contentstore.TreeSize(tree), nil
	})
	if err != nil {
		p.logger.Debug("Could not size mirrored site", zap.String("site_cid", site), zap.Error(err))
		return 0
	}
	return size
}

func (p *Pipeline) refreshPinnedGauge(ctx context.Context) {
	recs, err := p.records.List(ctx)
	if err != nil {
		return
	}
	pinned := 0
	for _, r := range recs {
		if r.Pinned {
			pinned++
		}
	}
	p.metrics.MirrorsPinned.Set(float64(pinned))
}
