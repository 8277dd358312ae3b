package substrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopic = "/freepress/1/discovery/proto"

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	hub := NewHub()
	alice := hub.Join("alice")
	bob := hub.Join("bob")
	defer alice.Close()
	defer bob.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bob.Subscribe(ctx, testTopic)
	require.NoError(t, err)

	require.NoError(t, alice.Publish(ctx, testTopic, []byte("hello")))

	msg := recv(t, sub)
	assert.Equal(t, []byte("hello"), msg.Data)
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, testTopic, msg.Topic)
}

func TestMemoryDuplicateDelivery(t *testing.T) {
	hub := NewHub()
	hub.SetDuplicateDelivery(true)
	alice := hub.Join("alice")
	bob := hub.Join("bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bob.Subscribe(ctx, testTopic)
	require.NoError(t, err)
	require.NoError(t, alice.Publish(ctx, testTopic, []byte("x")))

	recv(t, sub)
	recv(t, sub)
}

func TestMemoryOffline(t *testing.T) {
	hub := NewHub()
	alice := hub.Join("alice")
	bob := hub.Join("bob")
	ctx := context.Background()

	assert.Equal(t, 1, alice.Signal(testTopic).ConnectedPeers)

	alice.SetOnline(false)
	assert.True(t, errors.Is(alice.Publish(ctx, testTopic, []byte("x")), ErrNotConnected))
	_, err := alice.Query(ctx, testTopic, time.Time{})
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, 0, alice.Signal(testTopic).ConnectedPeers)
	assert.Equal(t, 0, bob.Signal(testTopic).ConnectedPeers)

	alice.SetOnline(true)
	assert.NoError(t, alice.Publish(ctx, testTopic, []byte("x")))

	boom := errors.New("boom")
	alice.FailPublish(boom)
	assert.True(t, errors.Is(alice.Publish(ctx, testTopic, []byte("x")), boom))
}

func TestMemoryQueryHistory(t *testing.T) {
	hub := NewHub()
	alice := hub.Join("alice")
	ctx := context.Background()

	require.NoError(t, alice.Publish(ctx, testTopic, []byte("one")))
	require.NoError(t, alice.Publish(ctx, "/other", []byte("skip")))
	require.NoError(t, alice.Publish(ctx, testTopic, []byte("two")))

	// a node joining later can still retrieve what it missed
	late := hub.Join("late")
	msgs, err := late.Query(ctx, testTopic, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("one"), msgs[0].Data)
	assert.Equal(t, []byte("two"), msgs[1].Data)
}

func TestMemorySignalAndNotify(t *testing.T) {
	hub := NewHub()
	alice := hub.Join("alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// drain the join notification
	select {
	case <-alice.Notify():
	default:
	}

	bob := hub.Join("bob")
	select {
	case <-alice.Notify():
	case <-time.After(time.Second):
		t.Fatal("expected notification on peer join")
	}

	_, err := bob.Subscribe(ctx, testTopic)
	require.NoError(t, err)

	sig := alice.Signal(testTopic)
	assert.Equal(t, 1, sig.ConnectedPeers)
	assert.Equal(t, 1, sig.TopicPeers)
	assert.True(t, sig.StoreReachable)

	src := HealthSource(alice, testTopic)
	assert.Equal(t, sig, src.HealthSignal())
}

func TestMemorySubscriptionEndsWithContext(t *testing.T) {
	hub := NewHub()
	alice := hub.Join("alice")

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := alice.Subscribe(ctx, testTopic)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Close())
	_, err = alice.Subscribe(context.Background(), testTopic)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestHistoryBounds(t *testing.T) {
	h := NewHistory(2, time.Hour)
	now := time.Now()
	h.now = func() time.Time { return now }

	h.Append(Message{Topic: "t", Data: []byte("old"), ReceivedAt: now.Add(-2 * time.Hour)})
	h.Append(Message{Topic: "t", Data: []byte("a"), ReceivedAt: now})
	h.Append(Message{Topic: "t", Data: []byte("b"), ReceivedAt: now})
	h.Append(Message{Topic: "t", Data: []byte("c"), ReceivedAt: now})

	got := h.Since("t", time.Time{})
	require.Len(t, got, 2)
	assert.Equal(t, []byte("b"), got[0].Data)
	assert.Equal(t, []byte("c"), got[1].Data)
}
