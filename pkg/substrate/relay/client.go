package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"freepress/pkg/auth"
	"freepress/pkg/health"
	"freepress/pkg/substrate"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Options struct {
	// Peer identifies this node to the relay; random when empty.
	Peer           string
	TLS            *auth.TLSConfig
	CallTimeout    time.Duration
	PollInterval   time.Duration
	ReconnectDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.Peer == "" {
		o.Peer = uuid.NewString()
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
}

const (
	maxReconnectDelay = 30 * time.Second
	keepaliveTime     = 30 * time.Second
	keepaliveTimeout  = 10 * time.Second
)

// Client implements substrate.Substrate against a relay server.
type Client struct {
	cc     *grpc.ClientConn
	rpc    RelayClient
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	notify substrate.Notifier
	poke   chan struct{}

	mu      sync.RWMutex
	closed  bool
	signals map[string]health.Signal
}

// Dial connects to a relay at target, using TLS when opts.TLS enables it.
func Dial(target string, opts Options, logger *zap.Logger) (*Client, error) {
	creds, err := opts.TLS.DialOption()
	if err != nil {
		return nil, err
	}
	cc, err := grpc.NewClient(target, creds,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}))
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", target, err)
	}
	return NewClient(cc, opts, logger), nil
}

// NewClient wraps an existing connection. The client owns cc.
func NewClient(cc *grpc.ClientConn, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cc:      cc,
		rpc:     NewRelayClient(cc),
		opts:    opts,
		logger:  logger.With(zap.String("relay", cc.Target())),
		ctx:     ctx,
		cancel:  cancel,
		notify:  substrate.NewNotifier(),
		poke:    make(chan struct{}, 1),
		signals: make(map[string]health.Signal),
	}
	c.wg.Add(1)
	go c.pollLoop()
	return c
}

func (c *Client) Peer() string { return c.opts.Peer }

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if c.isClosed() {
		return substrate.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	frame := encodeMessage(substrate.Message{Topic: topic, Data: data, From: c.opts.Peer})
	if _, err := c.rpc.Publish(ctx, wrapperspb.Bytes(frame)); err != nil {
		return mapRPC(err, substrate.ErrNotConnected)
	}
	return nil
}

// Subscribe registers with the relay before returning when it is reachable.
// Otherwise the subscription keeps retrying in the background.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan substrate.Message, error) {
	if c.isClosed() {
		return nil, substrate.ErrClosed
	}
	c.track(topic)

	subCtx, cancel := context.WithCancel(ctx)
	stopWithClient := context.AfterFunc(c.ctx, cancel)

	stream, err := c.openSubscription(subCtx, topic)
	if err != nil {
		c.logger.Warn("Relay subscription failed, retrying in background",
			zap.String("topic", topic), zap.Error(err))
	}

	out := make(chan substrate.Message, subscriberBuffer)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		defer stopWithClient()
		defer cancel()
		c.receive(subCtx, topic, stream, out)
	}()
	return out, nil
}

func (c *Client) openSubscription(ctx context.Context, topic string) (Relay_SubscribeClient, error) {
	req := encodeRequest(request{Topic: topic, Peer: c.opts.Peer})
	stream, err := c.rpc.Subscribe(ctx, wrapperspb.Bytes(req))
	if err != nil {
		return nil, mapRPC(err, substrate.ErrNotConnected)
	}
	if _, err := stream.Header(); err != nil {
		return nil, mapRPC(err, substrate.ErrNotConnected)
	}
	c.pokePoll()
	return stream, nil
}

func (c *Client) receive(ctx context.Context, topic string, stream Relay_SubscribeClient, out chan<- substrate.Message) {
	delay := c.opts.ReconnectDelay
	for {
		if stream == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			var err error
			if stream, err = c.openSubscription(ctx, topic); err != nil {
				delay = min(delay*2, maxReconnectDelay)
				c.logger.Debug("Relay resubscribe failed", zap.String("topic", topic), zap.Error(err))
				continue
			}
			delay = c.opts.ReconnectDelay
			c.logger.Info("Relay subscription restored", zap.String("topic", topic))
		}

		frame, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("Relay subscription dropped", zap.String("topic", topic), zap.Error(err))
			}
			stream = nil
			c.pokePoll()
			continue
		}

		msg, err := decodeMessage(frame.GetValue())
		if err != nil {
			c.logger.Debug("Dropping malformed relay frame", zap.Error(err))
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) Query(ctx context.Context, topic string, since time.Time) ([]substrate.Message, error) {
	if c.isClosed() {
		return nil, substrate.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	req := encodeRequest(request{Topic: topic, Peer: c.opts.Peer, Since: since})
	stream, err := c.rpc.Query(ctx, wrapperspb.Bytes(req))
	if err != nil {
		return nil, mapRPC(err, substrate.ErrStoreUnavailable)
	}

	var out []substrate.Message
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, mapRPC(err, substrate.ErrStoreUnavailable)
		}
		msg, err := decodeMessage(frame.GetValue())
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
}

// Signal returns the last polled view of topic. The relay counts as one
// connected peer while it answers.
func (c *Client) Signal(topic string) health.Signal {
	if c.track(topic) {
		c.pokePoll()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signals[topic]
}

func (c *Client) Notify() <-chan struct{} { return c.notify }

// track reports whether topic was newly added to the polled set.
func (c *Client) track(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.signals[topic]; ok {
		return false
	}
	c.signals[topic] = health.Signal{}
	return true
}

func (c *Client) pokePoll() {
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

func (c *Client) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.poke:
		}
		c.poll()
	}
}

func (c *Client) poll() {
	c.mu.RLock()
	topics := make([]string, 0, len(c.signals))
	for t := range c.signals {
		topics = append(topics, t)
	}
	c.mu.RUnlock()

	changed := false
	for _, topic := range topics {
		sig := c.fetchSignal(topic)
		c.mu.Lock()
		if c.signals[topic] != sig {
			c.signals[topic] = sig
			changed = true
		}
		c.mu.Unlock()
	}
	if changed {
		c.notify.Fire()
	}
}

func (c *Client) fetchSignal(topic string) health.Signal {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.CallTimeout)
	defer cancel()

	reply, err := c.rpc.Peers(ctx, wrapperspb.Bytes(encodeRequest(request{Topic: topic, Peer: c.opts.Peer})))
	if err != nil {
		return health.Signal{}
	}
	counts, err := decodePeers(reply.GetValue())
	if err != nil {
		return health.Signal{}
	}
	return health.Signal{
		ConnectedPeers: counts.Connected + 1,
		TopicPeers:     counts.Topic,
		StoreReachable: true,
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return c.cc.Close()
}

// mapRPC turns transport failures into unavailable.
func mapRPC(err error, unavailable error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", unavailable, err)
	case codes.Canceled:
		return context.Canceled
	default:
		return err
	}
}
