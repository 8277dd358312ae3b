package node

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"freepress/pkg/config"
	"freepress/pkg/contentstore"
	"freepress/pkg/discovery"
	"freepress/pkg/events"
	"freepress/pkg/health"
	"freepress/pkg/snapshot"
	"freepress/pkg/storage"
	"freepress/pkg/substrate"
	"freepress/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func site(body string) snapshot.Snapshotter {
	return snapshot.Func(func(context.Context) ([]contentstore.Entry, error) {
		return []contentstore.Entry{
			{Path: "index.html", Data: []byte(body)},
			{Path: "about.html", Data: []byte("about us")},
		}, nil
	})
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Node.Substrate.Kind = config.SubstrateMemory
	cfg.Node.ContentStore.Kind = config.StoreMemory
	cfg.Node.Records.Backend = storage.BackendMemory
	cfg.Node.Pipeline.Enabled = false
	cfg.Node.Publication.Title = "The Daily"
	cfg.Node.Publication.Tags = []string{"news", "local"}
	cfg.Node.Channel.MaxSendAttempts = 1
	cfg.Node.Channel.AckInterval = config.Duration(20 * time.Millisecond)
	cfg.Node.Health.RecheckInterval = config.Duration(20 * time.Millisecond)
	return cfg
}

type testNode struct {
	*Node
	mem *substrate.Memory
}

func startNode(t *testing.T, hub *substrate.Hub, name string, cfg *config.Config, store contentstore.Store) testNode {
	t.Helper()
	mem := hub.Join(name)
	n, err := New(context.Background(), cfg, zaptest.NewLogger(t),
		WithSubstrate(mem),
		WithContentStore(store),
		WithRecordStore(storage.NewMemory()),
		WithSnapshotter(site("<h1>"+name+"</h1>")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		cancel()
		n.Stop()
	})
	return testNode{Node: n, mem: mem}
}

func seedKey(t *testing.T, cfg *config.Config) string {
	t.Helper()
	id, err := LoadIdentity(cfg.KeyPath())
	require.NoError(t, err)
	pub, err := id.Generate()
	require.NoError(t, err)
	return pub
}

func TestPublishAnnouncesToPeers(t *testing.T) {
	hub := substrate.NewHub()
	store := contentstore.NewMemory()
	alice := startNode(t, hub, "alice", testConfig(t), store)
	bob := startNode(t, hub, "bob", testConfig(t), store)

	pub, err := alice.GenerateKeypair()
	require.NoError(t, err)

	res, err := alice.Publish(context.Background())
	require.NoError(t, err)
	require.True(t, res.Pinned)

	var seen types.Manifest
	require.Eventually(t, func() bool {
		found := bob.Manifests(discovery.Filter{SiteCID: res.SiteCID}, discovery.SortByTimestamp)
		if len(found) != 1 {
			return false
		}
		seen = found[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, pub, seen.PubKey)
	assert.Equal(t, "The Daily", seen.Title)
	assert.Equal(t, []string{"news", "local"}, seen.Tags)

	own := alice.Manifests(discovery.Filter{}, discovery.SortByTimestamp)
	require.Len(t, own, 1, "a node's own manifest lands in its registry")
	assert.Equal(t, seen.ManifestCID, own[0].ManifestCID)

	require.Eventually(t, func() bool {
		a, ok := alice.Announcer().Last()
		return ok && a.State == types.DeliveryAcknowledged
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := alice.Mirrors(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, pub, recs[0].PubKey)
	assert.Equal(t, types.OriginLocal, recs[0].Origin)
}

func TestLateNodeDiscoversFromHistory(t *testing.T) {
	hub := substrate.NewHub()
	store := contentstore.NewMemory()
	alice := startNode(t, hub, "alice", testConfig(t), store)

	_, err := alice.GenerateKeypair()
	require.NoError(t, err)
	res, err := alice.Publish(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, ok := alice.Announcer().Last()
		return ok && (a.State == types.DeliverySent || a.State == types.DeliveryAcknowledged)
	}, 2*time.Second, 10*time.Millisecond)
	alice.Stop()

	carol := startNode(t, hub, "carol", testConfig(t), store)
	require.Eventually(t, func() bool {
		return len(carol.Manifests(discovery.Filter{SiteCID: res.SiteCID}, discovery.SortByTimestamp)) == 1
	}, 2*time.Second, 10*time.Millisecond, "replayed manifest reaches the registry")
}

func TestPublishWithoutKeypairSkipsAnnouncement(t *testing.T) {
	hub := substrate.NewHub()
	store := contentstore.NewMemory()
	alice := startNode(t, hub, "alice", testConfig(t), store)
	bob := startNode(t, hub, "bob", testConfig(t), store)

	res, err := alice.Publish(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.SiteCID)

	_, ok := alice.Announcer().Last()
	assert.False(t, ok)
	assert.Never(t, func() bool { return bob.Registry().Count() > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestGenerateKeypairOnce(t *testing.T) {
	cfg := testConfig(t)
	n := startNode(t, substrate.NewHub(), "alice", cfg, contentstore.NewMemory())
	assert.Empty(t, n.PublicKey())

	pub, err := n.GenerateKeypair()
	require.NoError(t, err)
	assert.Len(t, pub, 64)
	assert.Equal(t, pub, n.PublicKey())

	_, err = n.GenerateKeypair()
	assert.True(t, errors.Is(err, ErrKeypairExists))

	reloaded, err := LoadIdentity(filepath.Join(cfg.DataDir, "identity.key"))
	require.NoError(t, err)
	assert.Equal(t, pub, reloaded.PublicKey())

	_, err = reloaded.Generate()
	assert.True(t, errors.Is(err, ErrKeypairExists), "an existing key file is never replaced")
}

func TestAutoMirrorTrustedPublisher(t *testing.T) {
	hub := substrate.NewHub()
	store := contentstore.NewMemory()

	aliceCfg := testConfig(t)
	alicePub := seedKey(t, aliceCfg)

	bobCfg := testConfig(t)
	bobCfg.Node.AutoMirror = true
	bobCfg.Node.TrustedPublishers = []string{alicePub}

	carolCfg := testConfig(t)
	carolCfg.Node.AutoMirror = true

	alice := startNode(t, hub, "alice", aliceCfg, store)
	bob := startNode(t, hub, "bob", bobCfg, store)
	carol := startNode(t, hub, "carol", carolCfg, store)

	res, err := alice.Publish(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recs, err := bob.Mirrors(context.Background())
		return err == nil && len(recs) == 1 && recs[0].SiteCID == res.SiteCID
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := bob.Mirrors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.OriginMirror, recs[0].Origin)
	assert.Equal(t, alicePub, recs[0].PubKey)

	require.Eventually(t, func() bool { return carol.Registry().Count() == 2 }, 2*time.Second, 10*time.Millisecond,
		"carol sees the original and bob's re-announcement")
	assert.Never(t, func() bool { return carol.Registry().Count() > 2 }, 150*time.Millisecond, 10*time.Millisecond)
	carolRecs, err := carol.Mirrors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, carolRecs, "untrusted publishers are not mirrored")
}

func TestManualMirror(t *testing.T) {
	hub := substrate.NewHub()
	store := contentstore.NewMemory()
	aliceCfg := testConfig(t)
	seedKey(t, aliceCfg)
	alice := startNode(t, hub, "alice", aliceCfg, store)
	bob := startNode(t, hub, "bob", testConfig(t), store)
	ctx := context.Background()

	_, err := bob.Mirror(ctx, "bafyunknown")
	assert.True(t, errors.Is(err, ErrUnknownManifest))

	_, err = alice.Publish(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	m := bob.Manifests(discovery.Filter{}, discovery.SortByTimestamp)[0]

	feed, cancel := bob.Events().Subscribe(8)
	defer cancel()

	rec, err := bob.Mirror(ctx, m.ManifestCID)
	require.NoError(t, err)
	assert.Equal(t, m.ManifestCID, rec.CID)
	assert.Equal(t, m.SiteCID, rec.SiteCID)

	timeout := time.After(time.Second)
	for mirrored := false; !mirrored; {
		select {
		case ev := <-feed:
			mirrored = ev.Kind == events.KindMirror
		case <-timeout:
			t.Fatal("no mirror event")
		}
	}

	require.NoError(t, bob.Unmirror(ctx, m.ManifestCID))
	recs, err := bob.Mirrors(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMirrorRaisesMirrorCount(t *testing.T) {
	hub := substrate.NewHub()
	store := contentstore.NewMemory()
	aliceCfg := testConfig(t)
	alicePub := seedKey(t, aliceCfg)
	alice := startNode(t, hub, "alice", aliceCfg, store)
	bob := startNode(t, hub, "bob", testConfig(t), store)
	carol := startNode(t, hub, "carol", testConfig(t), store)
	ctx := context.Background()

	res, err := alice.Publish(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	original := bob.Manifests(discovery.Filter{}, discovery.SortByTimestamp)[0]
	assert.Zero(t, original.MirrorCount)

	_, err = bob.Mirror(ctx, original.ManifestCID)
	require.NoError(t, err)

	var top types.Manifest
	require.Eventually(t, func() bool {
		found := carol.Manifests(discovery.Filter{SiteCID: res.SiteCID}, discovery.SortByMirrorCount)
		if len(found) != 2 {
			return false
		}
		top = found[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint32(1), top.MirrorCount)
	assert.NotEqual(t, original.ManifestCID, top.ManifestCID)
	assert.Equal(t, original.Timestamp, top.Timestamp)
	assert.Equal(t, alicePub, top.PubKey)
	assert.Equal(t, original.Signature, top.Signature)

	latest := carol.Manifests(discovery.Filter{SiteCID: res.SiteCID, LatestOnly: true}, discovery.SortByTimestamp)
	require.Len(t, latest, 1)
	assert.Equal(t, top.ManifestCID, latest[0].ManifestCID)

	_, err = bob.Mirror(ctx, top.ManifestCID)
	require.NoError(t, err)
	assert.Never(t, func() bool { return carol.Registry().Count() > 2 }, 150*time.Millisecond, 10*time.Millisecond,
		"a site already pinned is not re-announced again")
}

func TestReannounceAfterReconnect(t *testing.T) {
	hub := substrate.NewHub()
	store := contentstore.NewMemory()
	aliceCfg := testConfig(t)
	seedKey(t, aliceCfg)
	alice := startNode(t, hub, "alice", aliceCfg, store)
	bob := startNode(t, hub, "bob", testConfig(t), store)

	require.Eventually(t, func() bool { return alice.Health() >= health.MinimallyHealthy }, 2*time.Second, 10*time.Millisecond)

	alice.mem.SetOnline(false)
	require.Eventually(t, func() bool { return alice.Health() == health.Disconnected }, 2*time.Second, 10*time.Millisecond)

	_, err := alice.Publish(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		a, ok := alice.Announcer().Last()
		return ok && a.State == types.DeliveryIrrecoverableError
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, bob.Registry().Count())

	alice.mem.SetOnline(true)

	require.Eventually(t, func() bool { return bob.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	a, ok := alice.Announcer().Last()
	require.True(t, ok)
	assert.Equal(t, 2, a.Attempts)
}

func TestStatus(t *testing.T) {
	hub := substrate.NewHub()
	n := startNode(t, hub, "alice", testConfig(t), contentstore.NewMemory())
	_, err := n.GenerateKeypair()
	require.NoError(t, err)
	_, err = n.Publish(context.Background())
	require.NoError(t, err)

	st := n.Status(context.Background())
	assert.Equal(t, n.Channel().SenderID(), st.SenderID)
	assert.Equal(t, n.PublicKey(), st.PubKey)
	assert.Equal(t, config.SubstrateMemory, st.Substrate)
	assert.Equal(t, health.Disconnected.String(), st.Health, "a lone node has no peers")
	assert.Equal(t, 1, st.Manifests)
	assert.Equal(t, 1, st.Mirrors)
	assert.Equal(t, uint64(1), st.Pipeline.Successes)
	require.NotNil(t, st.LastAnnouncement)
	assert.False(t, st.StartedAt.IsZero())
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(context.Background(), cfg, nil,
		WithSubstrate(substrate.NewHub().Join("alice")),
		WithContentStore(contentstore.NewMemory()))
	require.NoError(t, err)

	n.Stop()
	n.Stop()
	assert.Error(t, n.Start(context.Background()))
}

func TestUnknownSubstrate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Substrate.Kind = "carrier-pigeon"
	_, err := New(context.Background(), cfg, nil, WithContentStore(contentstore.NewMemory()))
	assert.Error(t, err)
}
