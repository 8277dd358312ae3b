package node

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"freepress/pkg/channel"
	"freepress/pkg/config"
	"freepress/pkg/discovery"
	"freepress/pkg/manifest"
	"freepress/pkg/types"

	"go.uber.org/zap"
)

// Announcer signs a manifest for each local site snapshot and broadcasts
// it on the announcement channel.
type Announcer struct {
	identity *Identity
	channel  *channel.Channel
	registry *discovery.Registry
	pub      config.PublicationConfig
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	last    *types.Announcement
	payload []byte
	hooks   []func(types.Announcement)
}

func NewAnnouncer(identity *Identity, ch *channel.Channel, registry *discovery.Registry, pub config.PublicationConfig, logger *zap.Logger) *Announcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{
		identity: identity,
		channel:  ch,
		registry: registry,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
	}
}

// OnUpdate registers fn for every change to the latest announcement.
func (a *Announcer) OnUpdate(fn func(types.Announcement)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// Announce signs a manifest for siteCID, records it locally and queues it
// for broadcast. Delivery continues in the background.
func (a *Announcer) Announce(siteCID string) (types.Manifest, error) {
	key, err := a.identity.Signer()
	if err != nil {
		return types.Manifest{}, err
	}

	m, err := key.Sign(types.Manifest{
		SiteCID:     siteCID,
		Timestamp:   uint64(a.now().UnixMilli()),
		Title:       a.pub.Title,
		Description: a.pub.Description,
		Tags:        a.pub.Tags,
		OnionURL:    a.pub.OnionURL,
	})
	if err != nil {
		return types.Manifest{}, fmt.Errorf("sign manifest: %w", err)
	}
	payload, err := manifest.Encode(m)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}

	a.registry.Ingest(m)
	if err := a.send(m, payload, 1); err != nil {
		return m, err
	}

	a.logger.Info("Announced manifest",
		zap.String("manifest_cid", m.ManifestCID),
		zap.String("site_cid", m.SiteCID),
		zap.String("title", m.Title))
	return m, nil
}

// Reannounce broadcasts a mirrored manifest with its mirror count raised
// past every known variant of the same publication. The publisher's
// signature covers neither the count nor the manifest cid, so it stays
// valid.
func (a *Announcer) Reannounce(m types.Manifest) (types.Manifest, error) {
	count := m.MirrorCount
	for _, known := range a.registry.Query(discovery.Filter{SiteCID: m.SiteCID, PubKey: m.PubKey}, discovery.SortByMirrorCount) {
		if known.Timestamp == m.Timestamp && known.MirrorCount > count {
			count = known.MirrorCount
		}
	}
	m.MirrorCount = count + 1

	m, err := manifest.Seal(m)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("seal manifest: %w", err)
	}
	payload, err := manifest.Encode(m)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}

	a.registry.Ingest(m)
	if _, err := a.channel.Send(payload); err != nil {
		return m, fmt.Errorf("send manifest: %w", err)
	}

	a.logger.Info("Re-announced mirrored manifest",
		zap.String("manifest_cid", m.ManifestCID),
		zap.String("site_cid", m.SiteCID),
		zap.Uint32("mirror_count", m.MirrorCount))
	return m, nil
}

// Retry rebroadcasts the latest manifest if its delivery failed. It
// reports whether anything was sent.
func (a *Announcer) Retry() (bool, error) {
	a.mu.Lock()
	if a.last == nil || a.last.State != types.DeliveryIrrecoverableError {
		a.mu.Unlock()
		return false, nil
	}
	m, payload, attempts := a.last.Manifest, a.payload, a.last.Attempts+1
	a.mu.Unlock()

	a.logger.Info("Re-announcing manifest",
		zap.String("manifest_cid", m.ManifestCID),
		zap.Int("attempt", attempts))
	return true, a.send(m, payload, attempts)
}

// Last returns the latest announcement, if any.
func (a *Announcer) Last() (types.Announcement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return types.Announcement{}, false
	}
	return *a.last, true
}

func (a *Announcer) send(m types.Manifest, payload []byte, attempts int) error {
	id, events, err := a.channel.SendTracked(payload)
	if err != nil {
		a.update(types.Announcement{
			Manifest: m,
			State:    types.DeliveryIrrecoverableError,
			Error:    err.Error(),
			Attempts: attempts,
			At:       a.now(),
		}, payload)
		return fmt.Errorf("send manifest: %w", err)
	}

	a.update(types.Announcement{
		Manifest:  m,
		MessageID: id,
		State:     types.DeliverySending,
		Attempts:  attempts,
		At:        a.now(),
	}, payload)
	go a.track(id, events)
	return nil
}

func (a *Announcer) update(ann types.Announcement, payload []byte) {
	a.mu.Lock()
	a.last = &ann
	a.payload = payload
	hooks := slices.Clone(a.hooks)
	a.mu.Unlock()

	for _, hook := range hooks {
		hook(ann)
	}
}

// track follows one message until its events end or a newer announcement
// supersedes it.
func (a *Announcer) track(id types.MessageID, events <-chan channel.DeliveryEvent) {
	for ev := range events {
		a.mu.Lock()
		if a.last == nil || a.last.MessageID != id {
			a.mu.Unlock()
			return
		}
		a.last.State = ev.State
		a.last.At = ev.At
		if ev.Err != nil {
			a.last.Error = ev.Err.Error()
		}
		ann := *a.last
		hooks := slices.Clone(a.hooks)
		a.mu.Unlock()

		logger := a.logger.With(
			zap.String("manifest_cid", ann.Manifest.ManifestCID),
			zap.String("message_id", string(id)))
		switch ev.State {
		case types.DeliverySent:
			logger.Debug("Manifest accepted by substrate")
		case types.DeliveryAcknowledged:
			logger.Info("Manifest acknowledged by peer")
		case types.DeliveryIrrecoverableError:
			logger.Warn("Manifest delivery failed", zap.Error(ev.Err))
		}

		for _, hook := range hooks {
			hook(ann)
		}
	}
}
