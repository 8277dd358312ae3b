package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"freepress/pkg/substrate"
	"freepress/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(sender string) Config {
	return Config{
		SenderID:        sender,
		MaxSendAttempts: 3,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   5 * time.Millisecond,
		ResendInterval:  time.Hour,
		MaxResends:      1,
		AckInterval:     20 * time.Millisecond,
		ReplayWindow:    time.Hour,
	}
}

func startChannel(t *testing.T, node *substrate.Memory, sender string) *Channel {
	t.Helper()
	ch := New(node, testConfig(sender), zap.NewNop())
	require.NoError(t, ch.Start())
	t.Cleanup(func() { ch.Close() })
	return ch
}

func nextEvent(t *testing.T, events <-chan DeliveryEvent) DeliveryEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery event")
	}
	return DeliveryEvent{}
}

func nextMessage(t *testing.T, msgs <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestSendIsAcknowledged(t *testing.T) {
	hub := substrate.NewHub()
	alice := startChannel(t, hub.Join("alice"), "alice")
	bob := startChannel(t, hub.Join("bob"), "bob")

	inbox, cancel := bob.Subscribe(8)
	defer cancel()

	id, events, err := alice.SendTracked([]byte("manifest bytes"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := nextEvent(t, events)
	assert.Equal(t, id, sent.MessageID)
	assert.Equal(t, types.DeliverySent, sent.State)

	msg := nextMessage(t, inbox)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, []byte("manifest bytes"), msg.Payload)
	assert.False(t, msg.Historical)

	acked := nextEvent(t, events)
	assert.Equal(t, types.DeliveryAcknowledged, acked.State)

	_, open := <-events
	assert.False(t, open, "watcher closes after terminal state")

	_, tracked := alice.State(id)
	assert.False(t, tracked, "terminal entries are discarded")
}

func TestSendIrrecoverableError(t *testing.T) {
	hub := substrate.NewHub()
	node := hub.Join("alice")
	alice := startChannel(t, node, "alice")

	boom := errors.New("relay refused")
	node.FailPublish(boom)

	_, events, err := alice.SendTracked([]byte("x"))
	require.NoError(t, err, "send returns before delivery is attempted")

	ev := nextEvent(t, events)
	assert.Equal(t, types.DeliveryIrrecoverableError, ev.State)
	assert.True(t, errors.Is(ev.Err, ErrDelivery))
	assert.True(t, errors.Is(ev.Err, boom))
}

func TestDeliverySubscription(t *testing.T) {
	hub := substrate.NewHub()
	alice := startChannel(t, hub.Join("alice"), "alice")

	events, cancel := alice.SubscribeDelivery(8)
	defer cancel()

	id, err := alice.Send([]byte("x"))
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, id, ev.MessageID)
	assert.Equal(t, types.DeliverySent, ev.State)

	state, ok := alice.State(id)
	require.True(t, ok)
	assert.Equal(t, types.DeliverySent, state)
}

func TestUnacknowledgedMessageIsForgotten(t *testing.T) {
	hub := substrate.NewHub()
	cfg := testConfig("alice")
	cfg.ResendInterval = 10 * time.Millisecond
	cfg.MaxResends = 2
	alice := New(hub.Join("alice"), cfg, nil)
	require.NoError(t, alice.Start())
	defer alice.Close()

	id, events, err := alice.SendTracked([]byte("nobody listens"))
	require.NoError(t, err)
	assert.Equal(t, types.DeliverySent, nextEvent(t, events).State)

	select {
	case ev, ok := <-events:
		assert.False(t, ok, "unexpected event %+v", ev)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher was not released")
	}
	_, tracked := alice.State(id)
	assert.False(t, tracked)
}

func TestOwnMessagesAreNotDelivered(t *testing.T) {
	hub := substrate.NewHub()
	alice := startChannel(t, hub.Join("alice"), "alice")

	inbox, cancel := alice.Subscribe(8)
	defer cancel()

	_, events, err := alice.SendTracked([]byte("echo"))
	require.NoError(t, err)
	nextEvent(t, events)

	select {
	case msg := <-inbox:
		t.Fatalf("own message delivered: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDuplicatesAreDeliveredToConsumers(t *testing.T) {
	hub := substrate.NewHub()
	hub.SetDuplicateDelivery(true)
	alice := startChannel(t, hub.Join("alice"), "alice")
	bob := startChannel(t, hub.Join("bob"), "bob")

	inbox, cancel := bob.Subscribe(8)
	defer cancel()

	id, err := alice.Send([]byte("twice"))
	require.NoError(t, err)

	assert.Equal(t, id, nextMessage(t, inbox).ID)
	assert.Equal(t, id, nextMessage(t, inbox).ID)
}

func TestHistoricalReplay(t *testing.T) {
	hub := substrate.NewHub()
	alice := startChannel(t, hub.Join("alice"), "alice")

	_, events, err := alice.SendTracked([]byte("published while bob was away"))
	require.NoError(t, err)
	require.Equal(t, types.DeliverySent, nextEvent(t, events).State)

	bob := New(hub.Join("bob"), testConfig("bob"), nil)
	inbox, cancel := bob.Subscribe(8)
	defer cancel()
	require.NoError(t, bob.Start())
	defer bob.Close()

	msg := nextMessage(t, inbox)
	assert.True(t, msg.Historical)
	assert.Equal(t, []byte("published while bob was away"), msg.Payload)

	// bob's acknowledgement of the replayed message still reaches alice
	assert.Equal(t, types.DeliveryAcknowledged, nextEvent(t, events).State)
}

func TestSendAfterClose(t *testing.T) {
	hub := substrate.NewHub()
	alice := New(hub.Join("alice"), testConfig("alice"), nil)
	require.NoError(t, alice.Start())
	require.NoError(t, alice.Close())

	_, err := alice.Send([]byte("x"))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(alice.Start(), ErrClosed))
}

func TestChannelsIgnoreOtherChannelNames(t *testing.T) {
	hub := substrate.NewHub()
	aliceCfg := testConfig("alice")
	aliceCfg.Name = "other-channel"
	alice := New(hub.Join("alice"), aliceCfg, nil)
	require.NoError(t, alice.Start())
	defer alice.Close()
	bob := startChannel(t, hub.Join("bob"), "bob")

	inbox, cancel := bob.Subscribe(8)
	defer cancel()

	_, err := alice.Send([]byte("x"))
	require.NoError(t, err)

	select {
	case msg := <-inbox:
		t.Fatalf("message from another channel delivered: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHealthWithoutMonitor(t *testing.T) {
	hub := substrate.NewHub()
	alice := startChannel(t, hub.Join("alice"), "alice")
	startChannel(t, hub.Join("bob"), "bob")

	require.Eventually(t, func() bool {
		return alice.Health().String() == "MinimallyHealthy"
	}, time.Second, 10*time.Millisecond)
}

func TestEnvelopeCodec(t *testing.T) {
	env := Envelope{
		Kind:      KindAck,
		Channel:   DefaultName,
		SenderID:  "bob",
		Lamport:   9,
		Timestamp: 1700000000000,
		Acks:      []types.MessageID{"a", "b"},
	}
	got, err := decodeEnvelope(encodeEnvelope(env))
	require.NoError(t, err)
	assert.Equal(t, env, got)

	_, err = decodeEnvelope([]byte("not an envelope"))
	assert.Error(t, err)

	_, err = decodeEnvelope(encodeEnvelope(Envelope{Kind: 7, Channel: "c", SenderID: "s"}))
	assert.Error(t, err)
}

func TestMessageIDDependsOnContent(t *testing.T) {
	a := computeMessageID("c", "s", 1, []byte("x"))
	assert.Equal(t, a, computeMessageID("c", "s", 1, []byte("x")))
	assert.NotEqual(t, a, computeMessageID("c", "s", 2, []byte("x")))
	assert.NotEqual(t, a, computeMessageID("c", "t", 1, []byte("x")))
	assert.NotEqual(t, a, computeMessageID("cs", "", 1, []byte("x")))
	assert.Len(t, string(a), 64)
}

func TestReplayToleratesStoreFailure(t *testing.T) {
	hub := substrate.NewHub()
	node := hub.Join("alice")
	node.SetOnline(false)

	alice := New(node, testConfig("alice"), nil)
	require.NoError(t, alice.Start())
	defer alice.Close()

	node.SetOnline(true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, node.Publish(ctx, DefaultContentTopic, []byte("garbage")))
}
