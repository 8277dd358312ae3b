package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"freepress/pkg/channel"
	"freepress/pkg/manifest"
	"freepress/pkg/metrics"
	"freepress/pkg/signing"
	"freepress/pkg/types"

	"go.uber.org/zap"
)

var ErrDuplicate = errors.New("discovery: manifest already known")

// MessageSource is the receiving side of the announcement channel.
type MessageSource interface {
	Subscribe(buffer int) (<-chan channel.Message, func())
}

// Service feeds verified manifests from the channel into the registry.
// A single goroutine performs every registry write.
type Service struct {
	source   MessageSource
	registry *Registry
	verifier signing.Verifier
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	hooks []func(types.Manifest)
}

func NewService(source MessageSource, registry *Registry, verifier signing.Verifier, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if verifier == nil {
		verifier = signing.DefaultVerifier
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		source:   source,
		registry: registry,
		verifier: verifier,
		logger:   logger,
		metrics:  m,
	}
}

// OnAccepted registers fn to run for every newly ingested manifest. Hooks
// run on the service goroutine and must not block.
func (s *Service) OnAccepted(fn func(types.Manifest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Service) Registry() *Registry { return s.registry }

// Run subscribes to the source and consumes it until ctx is done or the
// source closes.
func (s *Service) Run(ctx context.Context) error {
	msgs, cancel := s.source.Subscribe(256)
	defer cancel()
	return s.Consume(ctx, msgs)
}

// Consume handles messages from an existing subscription. Subscribing
// before the channel starts keeps replayed history from being missed.
func (s *Service) Consume(ctx context.Context, msgs <-chan channel.Message) error {
	s.logger.Info("Discovery service started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if _, err := s.Handle(msg.Payload); err != nil && !errors.Is(err, ErrDuplicate) {
				s.logger.Debug("Dropped announcement",
					zap.String("message_id", string(msg.ID)),
					zap.String("sender_id", msg.SenderID),
					zap.Bool("historical", msg.Historical),
					zap.Error(err))
			}
		}
	}
}

// Handle decodes, verifies and ingests one payload.
func (s *Service) Handle(payload []byte) (types.Manifest, error) {
	m, err := manifest.Decode(payload)
	if err != nil {
		s.metrics.ManifestsDropped.WithLabelValues("decode").Inc()
		return types.Manifest{}, err
	}
	if err := manifest.CheckCID(m); err != nil {
		s.metrics.ManifestsDropped.WithLabelValues("cid").Inc()
		return m, err
	}
	if err := s.verifier.Verify(m); err != nil {
		s.metrics.ManifestsDropped.WithLabelValues("signature").Inc()
		return m, err
	}
	if !s.registry.Ingest(m) {
		return m, fmt.Errorf("%w: %s", ErrDuplicate, m.ManifestCID)
	}

	s.metrics.ManifestsAccepted.Inc()
	s.logger.Info("Discovered manifest",
		zap.String("manifest_cid", m.ManifestCID),
		zap.String("site_cid", m.SiteCID),
		zap.String("title", m.Title),
		zap.Int("registry_size", s.registry.Count()))

	s.mu.RLock()
	hooks := slices.Clone(s.hooks)
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(m)
	}
	return m, nil
}
