// Package node assembles a FreePress node: the announcement channel over
// the configured substrate, the discovery registry, the mirror pipeline
// and the health monitor, with the wiring between them.
package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"freepress/pkg/channel"
	"freepress/pkg/config"
	"freepress/pkg/contentstore"
	"freepress/pkg/discovery"
	"freepress/pkg/events"
	"freepress/pkg/health"
	"freepress/pkg/metrics"
	"freepress/pkg/mirror"
	"freepress/pkg/signing"
	"freepress/pkg/snapshot"
	"freepress/pkg/storage"
	"freepress/pkg/substrate"
	"freepress/pkg/substrate/gossipsub"
	"freepress/pkg/substrate/relay"
	"freepress/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var ErrUnknownManifest = errors.New("node: manifest not in registry")

const defaultRetryInterval = time.Minute

// Status is a point-in-time summary of the node.
type Status struct {
	SenderID         string              `json:"sender_id"`
	Topic            string              `json:"topic"`
	PubKey           string              `json:"pubkey,omitempty"`
	Substrate        string              `json:"substrate"`
	Health           string              `json:"health"`
	Signal           health.Signal       `json:"signal"`
	Manifests        int                 `json:"manifests"`
	Mirrors          int                 `json:"mirrors"`
	Pipeline         mirror.Status       `json:"pipeline"`
	LastAnnouncement *types.Announcement `json:"last_announcement,omitempty"`
	StartedAt        time.Time           `json:"started_at"`
}

type options struct {
	substrate substrate.Substrate
	store     contentstore.Store
	records   storage.RecordStore
	snapshot  snapshot.Snapshotter
	registry  *prometheus.Registry
}

type Option func(*options)

// WithSubstrate replaces the configured substrate. The node owns it.
func WithSubstrate(s substrate.Substrate) Option {
	return func(o *options) { o.substrate = s }
}

func WithContentStore(s contentstore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRecordStore replaces the configured record backend. The node owns it.
func WithRecordStore(r storage.RecordStore) Option {
	return func(o *options) { o.records = r }
}

func WithSnapshotter(s snapshot.Snapshotter) Option {
	return func(o *options) { o.snapshot = s }
}

func WithMetricsRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

type Node struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	events   *events.Bus

	identity  *Identity
	substrate substrate.Substrate
	store     contentstore.Store
	records   storage.RecordStore
	channel   *channel.Channel
	monitor   *health.Monitor
	manifests *discovery.Registry
	discovery *discovery.Service
	pipeline  *mirror.Pipeline
	announcer *Announcer

	retryInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
}

// New builds every component from cfg without starting any of them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		cfg:           cfg,
		logger:        logger,
		events:        events.NewBus(logger),
		retryInterval: defaultRetryInterval,
	}

	n.registry = o.registry
	if n.registry == nil {
		n.registry = prometheus.NewRegistry()
		n.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	n.metrics = metrics.New(n.registry)

	identity, err := LoadIdentity(cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load publisher key: %w", err)
	}
	n.identity = identity

	n.store = o.store
	if n.store == nil {
		if n.store, err = buildContentStore(cfg.Node.ContentStore, logger); err != nil {
			return nil, fmt.Errorf("failed to set up content store: %w", err)
		}
	}

	n.records = o.records
	if n.records == nil {
		n.records, err = storage.Open(ctx, storage.Options{
			Backend: cfg.Node.Records.Backend,
			DSN:     cfg.RecordsDSN(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open record store: %w", err)
		}
	}

	n.substrate = o.substrate
	if n.substrate == nil {
		n.substrate, err = buildSubstrate(ctx, cfg.Node.Substrate, logger)
		if err != nil {
			n.records.Close()
			return nil, fmt.Errorf("failed to start substrate: %w", err)
		}
	}

	snap := o.snapshot
	if snap == nil {
		snap = &snapshot.Dir{
			Root:     cfg.Path(cfg.Node.Pipeline.ExportDir),
			MaxBytes: cfg.Node.Pipeline.MaxSnapshotSize.Int64(),
		}
	}

	n.monitor = health.NewMonitor(
		substrate.HealthSource(n.substrate, channel.DefaultContentTopic),
		health.Config{
			RecheckInterval: cfg.Node.Health.RecheckInterval.Std(),
			SufficientPeers: cfg.Node.Health.SufficientPeers,
		},
		logger, n.metrics)

	chCfg := channel.DefaultConfig()
	chCfg.MaxSendAttempts = cfg.Node.Channel.MaxSendAttempts
	chCfg.ResendInterval = cfg.Node.Channel.ResendInterval.Std()
	chCfg.MaxResends = cfg.Node.Channel.MaxResends
	chCfg.AckInterval = cfg.Node.Channel.AckInterval.Std()
	chCfg.ReplayWindow = cfg.Node.Channel.ReplayWindow.Std()
	n.channel = channel.New(n.substrate, chCfg, logger,
		channel.WithMonitor(n.monitor),
		channel.WithMetrics(n.metrics))

	n.manifests = discovery.NewRegistry(n.metrics)
	n.discovery = discovery.NewService(n.channel, n.manifests, signing.DefaultVerifier, logger, n.metrics)

	p := cfg.Node.Pipeline
	n.pipeline = mirror.New(snap, n.store, n.records, mirror.Config{
		SnapshotTimeout: p.SnapshotTimeout.Std(),
		CommitTimeout:   p.CommitTimeout.Std(),
		PinTimeout:      p.PinTimeout.Std(),
		InitialDelay:    p.InitialDelay.Std(),
		Interval:        p.Interval.Std(),
		Title:           cfg.Node.Publication.Title,
		PubKey:          identity.PublicKey(),
	}, logger, n.metrics)

	n.announcer = NewAnnouncer(identity, n.channel, n.manifests, cfg.Node.Publication, logger)

	n.pipeline.OnPublished(n.onPublished)
	n.discovery.OnAccepted(n.onAccepted)
	n.announcer.OnUpdate(func(a types.Announcement) {
		n.events.Publish(events.KindAnnouncement, a)
	})
	return n, nil
}

func buildSubstrate(ctx context.Context, cfg config.SubstrateConfig, logger *zap.Logger) (substrate.Substrate, error) {
	switch strings.ToLower(cfg.Kind) {
	case config.SubstrateMemory:
		return substrate.NewHub().Join("local"), nil
	case config.SubstrateRelay:
		return relay.Dial(cfg.RelayAddress, relay.Options{TLS: cfg.TLS}, logger)
	case "", config.SubstrateGossipSub:
		return gossipsub.New(ctx, gossipsub.Options{
			ListenAddrs:      cfg.ListenAddrs,
			BootstrapPeers:   cfg.BootstrapPeers,
			MDNS:             cfg.MDNS,
			HistoryCapacity:  cfg.HistoryCapacity,
			HistoryRetention: cfg.HistoryRetention.Std(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown substrate %q", cfg.Kind)
	}
}

func buildContentStore(cfg config.ContentStoreConfig, logger *zap.Logger) (contentstore.Store, error) {
	if strings.EqualFold(cfg.Kind, config.StoreMemory) {
		return contentstore.NewMemory(), nil
	}
	store, err := contentstore.NewKubo(contentstore.KuboOptions{
		APIURL:  cfg.APIURL,
		Timeout: cfg.Timeout.Std(),
	}, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Start runs the channel, discovery, health monitoring and, when enabled,
// the pipeline scheduler. Background work ends with ctx or Stop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return errors.New("node: stopped")
	}
	if n.started {
		return nil
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.monitor.Start(n.ctx)

	msgs, unsubscribe := n.channel.Subscribe(256)
	if err := n.channel.Start(); err != nil {
		unsubscribe()
		n.cancel()
		return fmt.Errorf("failed to start channel: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer unsubscribe()
		if err := n.discovery.Consume(n.ctx, msgs); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error("Discovery service stopped", zap.Error(err))
		}
	}()

	healthEvents, _ := n.monitor.Subscribe(16)
	n.wg.Add(1)
	go n.watchHealth(n.ctx, healthEvents)

	if n.cfg.Node.Pipeline.Enabled {
		n.pipeline.Start(n.ctx)
	}

	if pinger, ok := n.store.(contentstore.Pinger); ok {
		if err := pinger.Ping(n.ctx); err != nil {
			n.logger.Warn("Content store is not reachable", zap.Error(err))
		}
	}

	n.started = true
	n.startedAt = time.Now()
	n.logger.Info("Node started",
		zap.String("sender_id", n.channel.SenderID()),
		zap.String("substrate", n.cfg.Node.Substrate.Kind),
		zap.Bool("publisher", n.identity.PublicKey() != ""),
		zap.Bool("pipeline", n.cfg.Node.Pipeline.Enabled))
	return nil
}

// Stop shuts every component down. It is safe to call more than once.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	started := n.started
	n.mu.Unlock()

	n.logger.Info("Stopping node")
	if started {
		n.cancel()
	}
	n.channel.Close()
	n.monitor.Close()
	n.wg.Wait()

	if err := n.substrate.Close(); err != nil {
		n.logger.Warn("Failed to close substrate", zap.Error(err))
	}
	if err := n.records.Close(); err != nil {
		n.logger.Warn("Failed to close record store", zap.Error(err))
	}
	n.events.Close()
}

// Run starts the node and blocks until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return err
	}
	<-ctx.Done()
	n.Stop()
	return nil
}

func (n *Node) onPublished(res mirror.Result) {
	n.events.Publish(events.KindPipeline, res)

	_, err := n.announcer.Announce(res.SiteCID)
	switch {
	case errors.Is(err, ErrNoKeypair):
		n.logger.Warn("Skipping announcement, no publisher keypair",
			zap.String("site_cid", res.SiteCID))
	case err != nil:
		n.logger.Error("Failed to announce site",
			zap.String("site_cid", res.SiteCID),
			zap.Error(err))
	}
}

func (n *Node) onAccepted(m types.Manifest) {
	n.events.Publish(events.KindDiscovered, m)

	if !n.cfg.Node.AutoMirror || !n.cfg.IsTrusted(m.PubKey) || m.PubKey == n.identity.PublicKey() {
		return
	}

	n.mu.Lock()
	if n.stopped || !n.started {
		n.mu.Unlock()
		return
	}
	ctx := n.ctx
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		if n.hasSite(ctx, m.SiteCID) {
			return
		}
		if _, err := n.mirror(ctx, m); err != nil && !errors.Is(err, mirror.ErrBusy) {
			n.logger.Warn("Automatic mirror failed",
				zap.String("manifest_cid", m.ManifestCID),
				zap.Error(err))
		}
	}()
}

// Publish runs the pipeline once; a completed run is announced.
func (n *Node) Publish(ctx context.Context) (*mirror.Result, error) {
	return n.pipeline.Run(ctx)
}

// Mirror pins the site of a manifest already in the registry.
func (n *Node) Mirror(ctx context.Context, manifestCID string) (types.MirrorRecord, error) {
	m, ok := n.manifests.Get(manifestCID)
	if !ok {
		return types.MirrorRecord{}, fmt.Errorf("%w: %s", ErrUnknownManifest, manifestCID)
	}
	return n.mirror(ctx, m)
}

// mirror pins m's site. The first pin of a site is re-announced with a
// raised mirror count; later variants of the same site are not, so mirrors
// never echo each other indefinitely.
func (n *Node) mirror(ctx context.Context, m types.Manifest) (types.MirrorRecord, error) {
	fresh := !n.hasSite(ctx, m.SiteCID)
	rec, err := n.pipeline.Mirror(ctx, m)
	if err != nil {
		return rec, err
	}
	n.events.Publish(events.KindMirror, rec)

	if fresh {
		if _, err := n.announcer.Reannounce(m); err != nil {
			n.logger.Warn("Failed to re-announce mirrored manifest",
				zap.String("manifest_cid", m.ManifestCID),
				zap.Error(err))
		}
	}
	return rec, nil
}

func (n *Node) hasSite(ctx context.Context, siteCID string) bool {
	recs, err := n.pipeline.Records(ctx)
	if err != nil {
		return false
	}
	for _, rec := range recs {
		if rec.SiteCID == siteCID && rec.Pinned {
			return true
		}
	}
	return false
}

func (n *Node) Unmirror(ctx context.Context, recordCID string) error {
	return n.pipeline.Unmirror(ctx, recordCID)
}

func (n *Node) Mirrors(ctx context.Context) ([]types.MirrorRecord, error) {
	return n.pipeline.Records(ctx)
}

// Manifests queries the discovery registry.
func (n *Node) Manifests(f discovery.Filter, order discovery.SortOrder) []types.Manifest {
	return n.manifests.Query(f, order)
}

func (n *Node) PublicKey() string { return n.identity.PublicKey() }

// GenerateKeypair creates the publisher key. Later local runs are signed
// and announced with it.
func (n *Node) GenerateKeypair() (string, error) {
	pub, err := n.identity.Generate()
	if err != nil {
		return "", err
	}
	n.pipeline.SetPubKey(pub)
	n.logger.Info("Generated publisher keypair",
		zap.String("pubkey", pub),
		zap.String("path", n.identity.Path()))
	return pub, nil
}

func (n *Node) Health() health.State { return n.monitor.State() }

func (n *Node) Status(ctx context.Context) Status {
	st := Status{
		SenderID:  n.channel.SenderID(),
		Topic:     n.channel.Topic(),
		PubKey:    n.identity.PublicKey(),
		Substrate: n.cfg.Node.Substrate.Kind,
		Health:    n.monitor.State().String(),
		Signal:    n.monitor.Signal(),
		Manifests: n.manifests.Count(),
		Pipeline:  n.pipeline.Status(),
	}
	if recs, err := n.pipeline.Records(ctx); err == nil {
		st.Mirrors = len(recs)
	}
	if a, ok := n.announcer.Last(); ok {
		st.LastAnnouncement = &a
	}
	n.mu.Lock()
	st.StartedAt = n.startedAt
	n.mu.Unlock()
	return st
}

func (n *Node) Events() *events.Bus { return n.events }
func (n *Node) Gatherer() prometheus.Gatherer { return n.registry }
func (n *Node) Registry() *discovery.Registry { return n.manifests }
func (n *Node) ContentStore() contentstore.Store { return n.store }
func (n *Node) Announcer() *Announcer { return n.announcer }
func (n *Node) Channel() *channel.Channel { return n.channel }
func (n *Node) Config() *config.Config { return n.cfg }
