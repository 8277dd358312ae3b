package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu     sync.Mutex
	sig    Signal
	notify chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{notify: make(chan struct{}, 1)}
}

func (f *fakeSource) HealthSignal() Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sig
}

func (f *fakeSource) Notify() <-chan struct{} { return f.notify }

func (f *fakeSource) set(sig Signal, wake bool) {
	f.mu.Lock()
	f.sig = sig
	f.mu.Unlock()
	if wake {
		select {
		case f.notify <- struct{}{}:
		default:
		}
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		want State
	}{
		{"no peers", Signal{}, Disconnected},
		{"peers without topic", Signal{ConnectedPeers: 3}, Unhealthy},
		{"one topic peer", Signal{ConnectedPeers: 3, TopicPeers: 1, StoreReachable: true}, MinimallyHealthy},
		{"store unreachable", Signal{ConnectedPeers: 3, TopicPeers: 4}, MinimallyHealthy},
		{"sufficient", Signal{ConnectedPeers: 3, TopicPeers: 2, StoreReachable: true}, SufficientlyHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.sig, 2))
		})
	}
	assert.True(t, Disconnected < Unhealthy && Unhealthy < MinimallyHealthy && MinimallyHealthy < SufficientlyHealthy)
}

func TestMonitorEventDriven(t *testing.T) {
	src := newFakeSource()
	mon := NewMonitor(src, Config{RecheckInterval: time.Hour, SufficientPeers: 2}, zap.NewNop(), nil)
	defer mon.Close()

	events, cancel := mon.Subscribe(8)
	defer cancel()

	mon.Start(context.Background())
	assert.Equal(t, Disconnected, mon.State())

	src.set(Signal{ConnectedPeers: 1, TopicPeers: 1, StoreReachable: true}, true)

	select {
	case ev := <-events:
		assert.Equal(t, Disconnected, ev.From)
		assert.Equal(t, MinimallyHealthy, ev.To)
		assert.Equal(t, 1, ev.Signal.TopicPeers)
	case <-time.After(2 * time.Second):
		t.Fatal("no transition event")
	}

	src.set(Signal{ConnectedPeers: 2, TopicPeers: 2, StoreReachable: true}, true)
	require.Eventually(t, func() bool { return mon.State() == SufficientlyHealthy }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorPeriodicRecheck(t *testing.T) {
	src := newFakeSource()
	mon := NewMonitor(src, Config{RecheckInterval: 20 * time.Millisecond}, nil, nil)
	defer mon.Close()

	mon.Start(context.Background())

	// no notification; only the ticker can observe this
	src.set(Signal{ConnectedPeers: 1}, false)
	require.Eventually(t, func() bool { return mon.State() == Unhealthy }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorNoEventWithoutChange(t *testing.T) {
	src := newFakeSource()
	mon := NewMonitor(src, Config{RecheckInterval: time.Hour}, nil, nil)
	defer mon.Close()

	events, cancel := mon.Subscribe(1)
	defer cancel()

	mon.Check()
	mon.Check()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestMonitorCloseClosesSubscriptions(t *testing.T) {
	mon := NewMonitor(newFakeSource(), DefaultConfig(), nil, nil)
	events, _ := mon.Subscribe(1)

	mon.Close()
	_, ok := <-events
	assert.False(t, ok)

	late, _ := mon.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
