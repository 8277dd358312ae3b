package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBus(nil)
	first, cancelFirst := b.Subscribe(4)
	second, cancelSecond := b.Subscribe(4)
	defer cancelFirst()
	defer cancelSecond()

	b.Publish(KindHealth, "up")

	for _, ch := range []<-chan Event{first, second} {
		ev := <-ch
		assert.Equal(t, KindHealth, ev.Kind)
		assert.Equal(t, "up", ev.Data)
		assert.False(t, ev.At.IsZero())
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(KindMirror, 1)
	b.Publish(KindMirror, 2)

	ev := <-ch
	assert.Equal(t, 1, ev.Data)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestCancelAndClose(t *testing.T) {
	b := NewBus(nil)
	ch, cancel := b.Subscribe(1)
	require.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())

	other, _ := b.Subscribe(1)
	b.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := b.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
	b.Publish(KindHealth, nil)
}
