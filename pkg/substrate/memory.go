package substrate

import (
	"context"
	"sort"
	"sync"
	"time"

	"freepress/pkg/health"
)

const memorySubscriptionBuffer = 1024

// Hub is an in-process network shared by Memory substrates. The hub itself
// acts as the store node.
type Hub struct {
	mu        sync.RWMutex
	nodes     map[string]*Memory
	history   *History
	duplicate bool
}

func NewHub() *Hub {
	return &Hub{
		nodes:   make(map[string]*Memory),
		history: NewHistory(DefaultHistorySize, DefaultHistoryRetention),
	}
}

// SetDuplicateDelivery makes every publish arrive twice at each subscriber.
func (h *Hub) SetDuplicateDelivery(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.duplicate = on
}

// Join attaches a new node to the hub.
func (h *Hub) Join(name string) *Memory {
	m := &Memory{
		hub:    h,
		name:   name,
		online: true,
		subs:   make(map[string]map[*memorySub]struct{}),
		notify: NewNotifier(),
	}
	h.mu.Lock()
	h.nodes[name] = m
	h.mu.Unlock()
	h.broadcastChange()
	return m
}

func (h *Hub) broadcastChange() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.nodes {
		n.notify.Fire()
	}
}

func (h *Hub) peers() []*Memory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Memory, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

type memorySub struct {
	ch   chan Message
	done chan struct{}
}

// Memory is one node attached to a Hub.
type Memory struct {
	hub  *Hub
	name string

	mu         sync.RWMutex
	online     bool
	closed     bool
	publishErr error
	subs       map[string]map[*memorySub]struct{}

	notify Notifier
}

// SetOnline simulates losing or regaining connectivity.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
	m.hub.broadcastChange()
}

// FailPublish makes Publish return err until cleared with nil.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) isOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online && !m.closed
}

func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	closed, online, failErr := m.closed, m.online, m.publishErr
	m.mu.RUnlock()
	switch {
	case closed:
		return ErrClosed
	case failErr != nil:
		return failErr
	case !online:
		return ErrNotConnected
	}

	msg := Message{
		Topic:      topic,
		Data:       append([]byte(nil), data...),
		From:       m.name,
		ReceivedAt: time.Now(),
	}
	m.hub.history.Append(msg)

	m.hub.mu.RLock()
	copies := 1
	if m.hub.duplicate {
		copies = 2
	}
	m.hub.mu.RUnlock()

	for _, peer := range m.hub.peers() {
		if !peer.isOnline() {
			continue
		}
		for i := 0; i < copies; i++ {
			peer.deliver(msg)
		}
	}
	return nil
}

func (m *Memory) deliver(msg Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subs[msg.Topic] {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		default:
			// full subscriber: gossip is lossy
		}
	}
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	sub := &memorySub{ch: make(chan Message, memorySubscriptionBuffer), done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	m.mu.Unlock()
	m.hub.broadcastChange()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		m.removeSub(topic, sub)
		m.hub.broadcastChange()
	}()
	return sub.ch, nil
}

func (m *Memory) removeSub(topic string, sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[topic][sub]; !ok {
		return
	}
	delete(m.subs[topic], sub)
	close(sub.done)
	close(sub.ch)
}

func (m *Memory) Query(ctx context.Context, topic string, since time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.isOnline() {
		return nil, ErrNotConnected
	}
	return m.hub.history.Since(topic, since), nil
}

func (m *Memory) Signal(topic string) health.Signal {
	if !m.isOnline() {
		return health.Signal{}
	}
	var sig health.Signal
	for _, peer := range m.hub.peers() {
		if peer == m || !peer.isOnline() {
			continue
		}
		sig.ConnectedPeers++
		peer.mu.RLock()
		if len(peer.subs[topic]) > 0 {
			sig.TopicPeers++
		}
		peer.mu.RUnlock()
	}
	sig.StoreReachable = true
	return sig
}

func (m *Memory) Notify() <-chan struct{} { return m.notify }

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			close(sub.done)
			close(sub.ch)
		}
	}

	m.hub.mu.Lock()
	delete(m.hub.nodes, m.name)
	m.hub.mu.Unlock()
	m.hub.broadcastChange()
	return nil
}
