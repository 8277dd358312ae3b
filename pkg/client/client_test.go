package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"freepress/pkg/api"
	"freepress/pkg/config"
	"freepress/pkg/contentstore"
	"freepress/pkg/events"
	"freepress/pkg/node"
	"freepress/pkg/snapshot"
	"freepress/pkg/storage"
	"freepress/pkg/substrate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNode(t *testing.T) (*node.Node, *Client) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Node.Records.Backend = storage.BackendMemory
	cfg.Node.Pipeline.Enabled = false
	cfg.Node.Publication.Tags = []string{"culture"}

	snap := snapshot.Func(func(context.Context) ([]contentstore.Entry, error) {
		return []contentstore.Entry{{Path: "index.html", Data: []byte("zine")}}, nil
	})
	n, err := node.New(context.Background(), cfg, nil,
		node.WithSubstrate(substrate.NewHub().Join("solo")),
		node.WithContentStore(contentstore.NewMemory()),
		node.WithSnapshotter(snap))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))

	srv := httptest.NewServer(api.NewServer("", n, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		n.Stop()
	})
	return n, New(&config.Endpoint{BaseURL: srv.URL + "/", Timeout: 5 * time.Second})
}

func TestRoundTrip(t *testing.T) {
	_, c := startNode(t)
	ctx := context.Background()

	_, err := c.Keypair(ctx)
	assert.True(t, IsStatus(err, http.StatusNotFound))

	pub, err := c.GenerateKeypair(ctx)
	require.NoError(t, err)
	_, err = c.GenerateKeypair(ctx)
	assert.True(t, IsStatus(err, http.StatusConflict))

	got, err := c.Keypair(ctx)
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	res, err := c.Publish(ctx)
	require.NoError(t, err)
	assert.True(t, res.Pinned)

	manifests, err := c.Manifests(ctx, ManifestQuery{Tag: "cult", Latest: true, Sort: "timestamp", Limit: 5})
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, pub, manifests[0].PubKey)

	none, err := c.Manifests(ctx, ManifestQuery{Publisher: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, none)

	rec, err := c.Mirror(ctx, manifests[0].ManifestCID)
	require.NoError(t, err)
	assert.Equal(t, res.SiteCID, rec.SiteCID)

	mirrors, err := c.Mirrors(ctx)
	require.NoError(t, err)
	assert.Len(t, mirrors, 2)

	require.NoError(t, c.Unmirror(ctx, rec.CID))
	err = c.Unmirror(ctx, rec.CID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "not found")

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, pub, st.PubKey)
	require.NotNil(t, st.LastAnnouncement)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h["status"])
}

func TestWatch(t *testing.T) {
	n, c := startNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(ev Event) {
			select {
			case received <- ev:
			default:
			}
		})
	}()

	require.Eventually(t, func() bool { return n.Events().Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	n.Events().Publish(events.KindMirror, map[string]string{"cid": "bafyx"})

	select {
	case ev := <-received:
		assert.Equal(t, events.KindMirror, ev.Kind)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "bafyx", data["cid"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestUnreachableNode(t *testing.T) {
	c := New(&config.Endpoint{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := c.Status(context.Background())
	assert.Error(t, err)
	assert.False(t, IsStatus(err, http.StatusNotFound))
}
