package gossipsub

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"freepress/pkg/substrate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const topic = "/freepress/1/discovery/proto"

func newNode(t *testing.T, bootstrap ...string) *Node {
	t.Helper()
	n, err := New(context.Background(), Options{
		ListenAddrs:    []string{"/ip4/127.0.0.1/tcp/0"},
		BootstrapPeers: bootstrap,
		QueryTimeout:   5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func recv(t *testing.T, ch <-chan substrate.Message) substrate.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for gossip")
	}
	return substrate.Message{}
}

func TestGossipAndStore(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newNode(t)
	bob := newNode(t, alice.Addrs()[0])

	aliceIn, err := alice.Subscribe(ctx, topic)
	require.NoError(t, err)
	bobIn, err := bob.Subscribe(ctx, topic)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.Signal(topic).TopicPeers > 0 && alice.Signal(topic).TopicPeers > 0
	}, 10*time.Second, 50*time.Millisecond)

	sig := bob.Signal(topic)
	assert.Equal(t, 1, sig.ConnectedPeers)
	assert.True(t, sig.StoreReachable)

	require.NoError(t, alice.Publish(ctx, topic, []byte("hello")))
	msg := recv(t, bobIn)
	assert.Equal(t, []byte("hello"), msg.Data)
	assert.Equal(t, alice.ID(), msg.From)

	own := recv(t, aliceIn)
	assert.Equal(t, []byte("hello"), own.Data, "local subscribers see their own publishes")

	carol := newNode(t, alice.Addrs()[0])
	require.Eventually(t, func() bool { return carol.Signal(topic).StoreReachable }, 10*time.Second, 50*time.Millisecond)

	history, err := carol.Query(ctx, topic, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []byte("hello"), history[0].Data)
	assert.Equal(t, alice.ID(), history[0].From)
}

func TestIsolatedNode(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	n := newNode(t)
	ctx := context.Background()

	err := n.Publish(ctx, topic, []byte("x"))
	assert.True(t, errors.Is(err, substrate.ErrNotConnected))

	_, err = n.Query(ctx, topic, time.Time{})
	assert.True(t, errors.Is(err, substrate.ErrStoreUnavailable))

	assert.Zero(t, n.Signal(topic).ConnectedPeers)

	sub, err := n.Subscribe(ctx, topic)
	require.NoError(t, err)
	require.NoError(t, n.Close())
	_, open := <-sub
	assert.False(t, open, "close ends subscriptions")

	_, err = n.Subscribe(ctx, topic)
	assert.True(t, errors.Is(err, substrate.ErrClosed))
}

func TestStoreFrames(t *testing.T) {
	since := time.Unix(0, 1700000000000000000)
	q, err := decodeQuery(encodeQuery(storeQuery{Topic: topic, Since: since}))
	require.NoError(t, err)
	assert.Equal(t, topic, q.Topic)
	assert.True(t, since.Equal(q.Since))

	_, err = decodeQuery(nil)
	assert.True(t, errors.Is(err, errFrame))

	var buf bytes.Buffer
	msgs := []substrate.Message{
		{Topic: topic, Data: []byte("a"), From: "p1", ReceivedAt: since},
		{Topic: topic, Data: []byte("bb"), From: "p2", ReceivedAt: since.Add(time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, writeFrame(&buf, encodeStored(m)))
	}

	r := bufio.NewReader(&buf)
	for _, want := range msgs {
		frame, err := readFrame(r)
		require.NoError(t, err)
		got, err := decodeStored(topic, frame)
		require.NoError(t, err)
		assert.Equal(t, want.Data, got.Data)
		assert.Equal(t, want.From, got.From)
		assert.True(t, want.ReceivedAt.Equal(got.ReceivedAt))
	}
	_, err = readFrame(r)
	assert.True(t, errors.Is(err, io.EOF))
}
