// Package health tracks how well connected this node is to the pub/sub
// substrate and reports coarse state transitions.
package health

import (
	"context"
	"sync"
	"time"

	"freepress/pkg/metrics"

	"go.uber.org/zap"
)

type State int

const (
	Disconnected State = iota
	Unhealthy
	MinimallyHealthy
	SufficientlyHealthy
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Unhealthy:
		return "Unhealthy"
	case MinimallyHealthy:
		return "MinimallyHealthy"
	case SufficientlyHealthy:
		return "SufficientlyHealthy"
	default:
		return "Unknown"
	}
}

// Signal is a point-in-time view of substrate connectivity.
type Signal struct {
	ConnectedPeers int  `json:"connected_peers"`
	TopicPeers     int  `json:"topic_peers"`
	StoreReachable bool `json:"store_reachable"`
}

// Source supplies signals and wakes the monitor on peer changes.
type Source interface {
	HealthSignal() Signal
	Notify() <-chan struct{}
}

// Event describes a state transition.
type Event struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Signal Signal    `json:"signal"`
	At     time.Time `json:"at"`
}

type Config struct {
	RecheckInterval time.Duration
	SufficientPeers int
}

func DefaultConfig() Config {
	return Config{
		RecheckInterval: 10 * time.Second,
		SufficientPeers: 2,
	}
}

// Derive maps a signal onto a health state.
func Derive(sig Signal, sufficientPeers int) State {
	if sufficientPeers < 1 {
		sufficientPeers = 1
	}
	switch {
	case sig.ConnectedPeers <= 0:
		return Disconnected
	case sig.TopicPeers <= 0:
		return Unhealthy
	case sig.TopicPeers < sufficientPeers || !sig.StoreReachable:
		return MinimallyHealthy
	default:
		return SufficientlyHealthy
	}
}

// Monitor re-derives health on every substrate notification and on a
// periodic recheck, publishing transitions to subscribers.
type Monitor struct {
	source  Source
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	state  State
	signal Signal
	subs   map[int]chan Event
	nextID int
	closed bool

	stopCh    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewMonitor(source Source, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultConfig().RecheckInterval
	}
	if cfg.SufficientPeers <= 0 {
		cfg.SufficientPeers = DefaultConfig().SufficientPeers
	}
	return &Monitor{
		source:  source,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		state:   Disconnected,
		subs:    make(map[int]chan Event),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the monitor until ctx is done or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.Check()
		go m.loop(ctx)
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.RecheckInterval)
	defer ticker.Stop()

	notify := m.source.Notify()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check()
		case _, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			m.Check()
		}
	}
}

// Check re-derives the state now and returns it.
func (m *Monitor) Check() State {
	sig := m.source.HealthSignal()
	next := Derive(sig, m.cfg.SufficientPeers)

	m.metrics.ConnectedPeers.Set(float64(sig.ConnectedPeers))
	m.metrics.TopicPeers.Set(float64(sig.TopicPeers))
	m.metrics.HealthState.Set(float64(next))

	m.mu.Lock()
	prev := m.state
	m.state = next
	m.signal = sig
	if prev == next || m.closed {
		m.mu.Unlock()
		return next
	}
	ev := Event{From: prev, To: next, Signal: sig, At: time.Now()}
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("Dropping health event for slow subscriber", zap.Int("subscriber", id))
		}
	}
	m.mu.Unlock()

	m.logger.Info("Health state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.Int("connected_peers", sig.ConnectedPeers),
		zap.Int("topic_peers", sig.TopicPeers),
		zap.Bool("store_reachable", sig.StoreReachable))
	return next
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) Signal() Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

// Subscribe returns a channel of transitions and a cancel func.
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// Close stops the loop and closes all subscriptions.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.startOnce.Do(func() { close(m.done) })
		<-m.done

		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		for id, ch := range m.subs {
			close(ch)
			delete(m.subs, id)
		}
	})
}
