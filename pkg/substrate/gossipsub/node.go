// Package gossipsub runs the announcement substrate on a libp2p host:
// GossipSub for propagation, a per-node history ring served over the
// store protocol, and optional mDNS discovery on the local network.
package gossipsub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"freepress/pkg/health"
	"freepress/pkg/substrate"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	mdnsServiceName = "freepress"
	listenerBuffer  = 1024
	maxStorePeers   = 3
)

type Options struct {
	ListenAddrs      []string
	BootstrapPeers   []string
	MDNS             bool
	HistoryCapacity  int
	HistoryRetention time.Duration
	// Identity pins the peer id; a fresh key is generated when nil.
	Identity     crypto.PrivKey
	QueryTimeout time.Duration
}

type listener struct {
	ch chan substrate.Message
}

type topicState struct {
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	events    *pubsub.TopicEventHandler
	listeners map[*listener]struct{}
}

// Node implements substrate.Substrate over libp2p.
type Node struct {
	host    host.Host
	ps      *pubsub.PubSub
	history *substrate.History
	mdns    mdns.Service
	opts    Options
	logger  *zap.Logger
	notify  substrate.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

func New(ctx context.Context, opts Options, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrStrings(opts.ListenAddrs...)}
	if opts.Identity != nil {
		hostOpts = append(hostOpts, libp2p.Identity(opts.Identity))
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}

	n := &Node{
		host:    h,
		ps:      ps,
		history: substrate.NewHistory(opts.HistoryCapacity, opts.HistoryRetention),
		opts:    opts,
		logger:  logger.With(zap.String("peer_id", h.ID().String())),
		notify:  substrate.NewNotifier(),
		ctx:     nodeCtx,
		cancel:  cancel,
		topics:  make(map[string]*topicState),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    func(network.Network, network.Conn) { n.notify.Fire() },
		DisconnectedF: func(network.Network, network.Conn) { n.notify.Fire() },
	})
	h.SetStreamHandler(protocol.ID(StoreProtocol), n.handleStoreStream)

	if opts.MDNS {
		n.mdns = mdns.NewMdnsService(h, mdnsServiceName, &discoveryNotifee{n: n})
		if err := n.mdns.Start(); err != nil {
			n.logger.Warn("mDNS discovery unavailable", zap.Error(err))
			n.mdns = nil
		}
	}

	for _, addr := range opts.BootstrapPeers {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.Connect(nodeCtx, addr); err != nil {
				n.logger.Warn("Failed to reach bootstrap peer", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}

	n.logger.Info("Gossipsub substrate started", zap.Strings("addrs", n.Addrs()))
	return n, nil
}

type discoveryNotifee struct {
	n *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.n.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(d.n.ctx, 10*time.Second)
	defer cancel()
	if err := d.n.host.Connect(ctx, pi); err != nil {
		d.n.logger.Debug("Failed to connect to mDNS peer", zap.String("peer", pi.ID.String()), zap.Error(err))
		return
	}
	d.n.logger.Info("Connected to local peer", zap.String("peer", pi.ID.String()))
}

func (n *Node) ID() string { return n.host.ID().String() }

// Addrs returns dialable multiaddrs including the /p2p component.
func (n *Node) Addrs() []string {
	self, err := ma.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, a.Encapsulate(self).String())
	}
	return out
}

// Connect dials a peer given a full multiaddr with a /p2p component.
func (n *Node) Connect(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return n.host.Connect(ctx, *info)
}

// join returns the topic state, creating the recorder subscription that
// feeds history and local listeners on first use.
func (n *Node) join(name string) (*topicState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, substrate.ErrClosed
	}
	if ts, ok := n.topics[name]; ok {
		return ts, nil
	}

	t, err := n.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	events, err := t.EventHandler()
	if err != nil {
		sub.Cancel()
		t.Close()
		return nil, fmt.Errorf("failed to watch topic peers: %w", err)
	}

	ts := &topicState{topic: t, sub: sub, events: events, listeners: make(map[*listener]struct{})}
	n.topics[name] = ts

	n.wg.Add(2)
	go n.readTopic(name, ts)
	go n.watchTopic(ts)
	return ts, nil
}

func (n *Node) readTopic(name string, ts *topicState) {
	defer n.wg.Done()
	for {
		raw, err := ts.sub.Next(n.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				n.logger.Warn("Topic subscription ended", zap.String("topic", name), zap.Error(err))
			}
			return
		}

		msg := substrate.Message{
			Topic:      name,
			Data:       raw.Data,
			From:       raw.GetFrom().String(),
			ReceivedAt: time.Now(),
		}
		n.history.Append(msg)

		n.mu.Lock()
		for l := range ts.listeners {
			select {
			case l.ch <- msg:
			default:
				// full listener: gossip is lossy
			}
		}
		n.mu.Unlock()
	}
}

func (n *Node) watchTopic(ts *topicState) {
	defer n.wg.Done()
	for {
		if _, err := ts.events.NextPeerEvent(n.ctx); err != nil {
			return
		}
		n.notify.Fire()
	}
}

func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	ts, err := n.join(topic)
	if err != nil {
		return err
	}
	if len(n.host.Network().Peers()) == 0 {
		return substrate.ErrNotConnected
	}
	if err := ts.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (n *Node) Subscribe(ctx context.Context, topic string) (<-chan substrate.Message, error) {
	ts, err := n.join(topic)
	if err != nil {
		return nil, err
	}

	l := &listener{ch: make(chan substrate.Message, listenerBuffer)}
	n.mu.Lock()
	ts.listeners[l] = struct{}{}
	n.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-n.ctx.Done():
		}
		n.removeListener(ts, l)
	}()
	return l.ch, nil
}

func (n *Node) removeListener(ts *topicState, l *listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := ts.listeners[l]; !ok {
		return
	}
	delete(ts.listeners, l)
	close(l.ch)
}

// Query asks connected store peers for topic history and returns the
// first complete answer.
func (n *Node) Query(ctx context.Context, topic string, since time.Time) ([]substrate.Message, error) {
	var lastErr error
	asked := 0
	for _, p := range n.host.Network().Peers() {
		if asked == maxStorePeers {
			break
		}
		if supported, err := n.host.Peerstore().SupportsProtocols(p, protocol.ID(StoreProtocol)); err != nil || len(supported) == 0 {
			continue
		}
		asked++

		msgs, err := n.queryPeer(ctx, p, storeQuery{Topic: topic, Since: since})
		if err == nil {
			return msgs, nil
		}
		lastErr = err
		n.logger.Debug("Store query failed", zap.String("peer", p.String()), zap.Error(err))
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", substrate.ErrStoreUnavailable, lastErr)
	}
	return nil, fmt.Errorf("%w: no store peers", substrate.ErrStoreUnavailable)
}

func (n *Node) queryPeer(ctx context.Context, p peer.ID, q storeQuery) ([]substrate.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.QueryTimeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, p, protocol.ID(StoreProtocol))
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := writeFrame(s, encodeQuery(q)); err != nil {
		s.Reset()
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, err
	}

	r := bufio.NewReader(s)
	var out []substrate.Message
	for {
		frame, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			s.Reset()
			return nil, err
		}
		msg, err := decodeStored(q.Topic, frame)
		if err != nil {
			s.Reset()
			return nil, err
		}
		out = append(out, msg)
	}
}

func (n *Node) handleStoreStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(n.opts.QueryTimeout))

	frame, err := readFrame(bufio.NewReader(s))
	if err != nil {
		s.Reset()
		return
	}
	q, err := decodeQuery(frame)
	if err != nil {
		n.logger.Debug("Rejecting store query", zap.String("peer", s.Conn().RemotePeer().String()), zap.Error(err))
		s.Reset()
		return
	}

	msgs := n.history.Since(q.Topic, q.Since)
	w := bufio.NewWriter(s)
	for _, msg := range msgs {
		if err := writeFrame(w, encodeStored(msg)); err != nil {
			s.Reset()
			return
		}
	}
	if err := w.Flush(); err != nil {
		s.Reset()
		return
	}
	n.logger.Debug("Served store query",
		zap.String("peer", s.Conn().RemotePeer().String()),
		zap.String("topic", q.Topic),
		zap.Int("messages", len(msgs)))
}

func (n *Node) Signal(topic string) health.Signal {
	peers := n.host.Network().Peers()
	sig := health.Signal{
		ConnectedPeers: len(peers),
		TopicPeers:     len(n.ps.ListPeers(topic)),
	}
	for _, p := range peers {
		if supported, err := n.host.Peerstore().SupportsProtocols(p, protocol.ID(StoreProtocol)); err == nil && len(supported) > 0 {
			sig.StoreReachable = true
			break
		}
	}
	return sig
}

func (n *Node) Notify() <-chan struct{} { return n.notify }

func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	topics := n.topics
	n.topics = make(map[string]*topicState)
	n.mu.Unlock()

	n.cancel()
	for _, ts := range topics {
		ts.events.Cancel()
		ts.sub.Cancel()
	}
	n.wg.Wait()

	n.mu.Lock()
	for _, ts := range topics {
		for l := range ts.listeners {
			delete(ts.listeners, l)
			close(l.ch)
		}
		ts.topic.Close()
	}
	n.mu.Unlock()

	if n.mdns != nil {
		n.mdns.Close()
	}
	return n.host.Close()
}
