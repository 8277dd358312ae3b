// Package channel implements a reliable broadcast channel on top of a
// best-effort pub/sub substrate.
//
// Every outbound message moves through Sending, then Sent once the
// substrate accepts it, then Acknowledged when any receiver acknowledges
// it. A message the substrate never accepts ends in IrrecoverableError.
// Messages that are sent but never acknowledged are re-broadcast a few
// times and then forgotten; that is not a failure.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"freepress/pkg/health"
	"freepress/pkg/metrics"
	"freepress/pkg/substrate"
	"freepress/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultName         = "freepress-discovery"
	DefaultContentTopic = "/freepress/1/discovery/proto"

	maxAcksPerEnvelope = 256
)

var (
	ErrClosed   = errors.New("channel: closed")
	ErrDelivery = errors.New("channel: delivery failed")
)

type Config struct {
	Name         string
	ContentTopic string
	// SenderID identifies this participant; random when empty.
	SenderID string

	MaxSendAttempts int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ResendInterval  time.Duration
	MaxResends      int
	AckInterval     time.Duration
	ReplayWindow    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:            DefaultName,
		ContentTopic:    DefaultContentTopic,
		MaxSendAttempts: 3,
		RetryBaseDelay:  200 * time.Millisecond,
		RetryMaxDelay:   5 * time.Second,
		ResendInterval:  30 * time.Second,
		MaxResends:      3,
		AckInterval:     time.Second,
		ReplayWindow:    24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.ContentTopic == "" {
		c.ContentTopic = d.ContentTopic
	}
	if c.SenderID == "" {
		c.SenderID = uuid.NewString()
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = d.MaxSendAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = d.ResendInterval
	}
	if c.MaxResends < 0 {
		c.MaxResends = 0
	}
	if c.AckInterval <= 0 {
		c.AckInterval = d.AckInterval
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = d.ReplayWindow
	}
}

// Message is a payload received from another participant.
type Message struct {
	ID         types.MessageID
	SenderID   string
	Payload    []byte
	Lamport    uint64
	Timestamp  time.Time
	Historical bool
}

// DeliveryEvent reports a transition of an outbound message.
type DeliveryEvent struct {
	MessageID types.MessageID
	State     types.DeliveryState
	Err       error
	At        time.Time
}

type outbound struct {
	raw      []byte
	state    types.DeliveryState
	acked    bool
	watchers []chan DeliveryEvent
}

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
}

// Channel is safe for concurrent use.
type Channel struct {
	cfg     Config
	sub     substrate.Substrate
	monitor *health.Monitor
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	lamport     uint64
	table       map[types.MessageID]*outbound
	pendingAcks map[types.MessageID]struct{}
	msgSubs     map[int]*subscriber[Message]
	eventSubs   map[int]*subscriber[DeliveryEvent]
	nextSubID   int
	started     bool
	closed      bool
}

type Option func(*Channel)

// WithMonitor lets Health report the monitor's state.
func WithMonitor(m *health.Monitor) Option {
	return func(c *Channel) { c.monitor = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

func New(sub substrate.Substrate, cfg Config, logger *zap.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Channel{
		cfg:         cfg,
		sub:         sub,
		logger:      logger.With(zap.String("channel", cfg.Name)),
		ctx:         ctx,
		cancel:      cancel,
		table:       make(map[types.MessageID]*outbound),
		pendingAcks: make(map[types.MessageID]struct{}),
		msgSubs:     make(map[int]*subscriber[Message]),
		eventSubs:   make(map[int]*subscriber[DeliveryEvent]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	return c
}

func (c *Channel) SenderID() string { return c.cfg.SenderID }
func (c *Channel) Topic() string    { return c.cfg.ContentTopic }

// Start subscribes to the content topic, then replays retained history.
// Replayed and live messages may overlap; consumers deduplicate.
func (c *Channel) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.wg.Add(3)
	c.mu.Unlock()

	live, err := c.sub.Subscribe(c.ctx, c.cfg.ContentTopic)
	if err != nil {
		c.wg.Add(-3)
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.ContentTopic, err)
	}

	go c.receiveLoop(live)
	go c.ackLoop()
	go c.replay()

	c.logger.Info("Channel started",
		zap.String("topic", c.cfg.ContentTopic),
		zap.String("sender_id", c.cfg.SenderID))
	return nil
}

// Close stops background work and closes every subscription.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.msgSubs {
		close(s.done)
		close(s.ch)
		delete(c.msgSubs, id)
	}
	for id, s := range c.eventSubs {
		close(s.done)
		close(s.ch)
		delete(c.eventSubs, id)
	}
	for id, entry := range c.table {
		for _, w := range entry.watchers {
			close(w)
		}
		delete(c.table, id)
	}
	return nil
}

// Send queues payload for delivery and returns its id immediately.
func (c *Channel) Send(payload []byte) (types.MessageID, error) {
	id, _, err := c.send(payload, false)
	return id, err
}

// SendTracked is Send plus a channel carrying this message's delivery
// events. The channel closes after a terminal event, or without one if the
// message is forgotten unacknowledged.
func (c *Channel) SendTracked(payload []byte) (types.MessageID, <-chan DeliveryEvent, error) {
	return c.send(payload, true)
}

func (c *Channel) send(payload []byte, tracked bool) (types.MessageID, <-chan DeliveryEvent, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", nil, ErrClosed
	}
	c.lamport++
	env := Envelope{
		Kind:      KindMessage,
		Channel:   c.cfg.Name,
		SenderID:  c.cfg.SenderID,
		Lamport:   c.lamport,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   append([]byte(nil), payload...),
	}
	env.MessageID = computeMessageID(env.Channel, env.SenderID, env.Lamport, env.Payload)

	entry := &outbound{raw: encodeEnvelope(env), state: types.DeliverySending}
	var watcher chan DeliveryEvent
	if tracked {
		// at most Sent plus one terminal event
		watcher = make(chan DeliveryEvent, 2)
		entry.watchers = append(entry.watchers, watcher)
	}
	c.table[env.MessageID] = entry
	c.wg.Add(1)
	c.mu.Unlock()

	go c.deliver(env.MessageID, entry.raw)
	return env.MessageID, watcher, nil
}

func (c *Channel) deliver(id types.MessageID, raw []byte) {
	defer c.wg.Done()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxSendAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.PublishRetries.Inc()
			if !c.sleep(c.backoff(attempt - 1)) {
				c.transition(id, types.DeliveryIrrecoverableError, fmt.Errorf("%w: %w", ErrDelivery, ErrClosed))
				return
			}
		}
		lastErr = c.sub.Publish(c.ctx, c.cfg.ContentTopic, raw)
		if lastErr == nil {
			break
		}
		c.logger.Debug("Publish failed",
			zap.String("message_id", string(id)),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	if lastErr != nil {
		c.logger.Warn("Message delivery failed",
			zap.String("message_id", string(id)),
			zap.Error(lastErr))
		c.transition(id, types.DeliveryIrrecoverableError, fmt.Errorf("%w: %w", ErrDelivery, lastErr))
		return
	}

	c.transition(id, types.DeliverySent, nil)

	for resend := 0; resend < c.cfg.MaxResends; resend++ {
		if !c.sleep(c.cfg.ResendInterval) {
			return
		}
		if !c.awaitingAck(id) {
			return
		}
		if err := c.sub.Publish(c.ctx, c.cfg.ContentTopic, raw); err != nil {
			c.logger.Debug("Resend failed", zap.String("message_id", string(id)), zap.Error(err))
		}
	}
	if c.sleep(c.cfg.ResendInterval) {
		c.forget(id)
	}
}

// backoff is exponential with jitter, capped at RetryMaxDelay.
func (c *Channel) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}
	delay += delay * 0.2 * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(c.cfg.RetryBaseDelay)
	}
	return time.Duration(delay)
}

func (c *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) awaitingAck(id types.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.table[id]
	return ok && entry.state == types.DeliverySent
}

func (c *Channel) forget(id types.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.table[id]
	if !ok || entry.state.Terminal() {
		return
	}
	for _, w := range entry.watchers {
		close(w)
	}
	delete(c.table, id)
	c.logger.Debug("Forgetting unacknowledged message", zap.String("message_id", string(id)))
}

// transition applies a state change and fans the event out. Terminal
// states drop the entry from the table.
func (c *Channel) transition(id types.MessageID, state types.DeliveryState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.table[id]
	if !ok || entry.state.Terminal() || entry.state == state {
		return
	}
	entry.state = state
	c.emitLocked(entry, DeliveryEvent{MessageID: id, State: state, Err: err, At: time.Now()})

	// an ack that raced ahead of the publish result
	if state == types.DeliverySent && entry.acked {
		entry.state = types.DeliveryAcknowledged
		c.emitLocked(entry, DeliveryEvent{MessageID: id, State: types.DeliveryAcknowledged, At: time.Now()})
	}

	if entry.state.Terminal() {
		for _, w := range entry.watchers {
			close(w)
		}
		delete(c.table, id)
	}
}

func (c *Channel) emitLocked(entry *outbound, ev DeliveryEvent) {
	c.metrics.DeliveryEvents.WithLabelValues(ev.State.String()).Inc()
	for _, w := range entry.watchers {
		select {
		case w <- ev:
		default:
		}
	}
	for _, s := range c.eventSubs {
		select {
		case s.ch <- ev:
		default:
			c.logger.Debug("Dropping delivery event for slow subscriber")
		}
	}
}

func (c *Channel) handleAck(id types.MessageID) {
	c.mu.Lock()
	entry, ok := c.table[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if entry.state == types.DeliverySending {
		entry.acked = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.transition(id, types.DeliveryAcknowledged, nil)
}

// State returns the tracked state of an outbound message. Entries are
// discarded after a terminal state.
func (c *Channel) State(id types.MessageID) (types.DeliveryState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.table[id]
	if !ok {
		return 0, false
	}
	return entry.state, true
}

// SubscribeDelivery returns every delivery event for messages sent after
// the call. Slow subscribers lose events. The returned func stops delivery;
// the channel itself is closed by Close.
func (c *Channel) SubscribeDelivery(buffer int) (<-chan DeliveryEvent, func()) {
	return subscribe(c, c.eventSubs, buffer)
}

// Subscribe returns messages received from other participants. The caller
// must drain the channel: delivery blocks the receive loop.
func (c *Channel) Subscribe(buffer int) (<-chan Message, func()) {
	return subscribe(c, c.msgSubs, buffer)
}

func subscribe[T any](c *Channel, set map[int]*subscriber[T], buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber[T]{ch: make(chan T, buffer), done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	set[id] = s
	c.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := set[id]; ok {
				delete(set, id)
				close(s.done)
			}
		})
	}
}

// Health reports substrate health as seen by the monitor, or derives it
// directly when no monitor is attached.
func (c *Channel) Health() health.State {
	if c.monitor != nil {
		return c.monitor.State()
	}
	return health.Derive(c.sub.Signal(c.cfg.ContentTopic), health.DefaultConfig().SufficientPeers)
}

func (c *Channel) receiveLoop(live <-chan substrate.Message) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-live:
			if !ok {
				c.logger.Warn("Substrate subscription closed")
				return
			}
			c.handle(msg, false)
		}
	}
}

func (c *Channel) replay() {
	defer c.wg.Done()

	since := time.Now().Add(-c.cfg.ReplayWindow)
	msgs, err := c.sub.Query(c.ctx, c.cfg.ContentTopic, since)
	if err != nil {
		c.logger.Warn("History query failed", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		if c.ctx.Err() != nil {
			return
		}
		c.handle(msg, true)
	}
	c.logger.Info("Replayed channel history", zap.Int("messages", len(msgs)))
}

func (c *Channel) handle(raw substrate.Message, historical bool) {
	env, err := decodeEnvelope(raw.Data)
	if err != nil {
		c.logger.Debug("Ignoring undecodable envelope", zap.String("from", raw.From), zap.Error(err))
		return
	}
	if env.Channel != c.cfg.Name {
		return
	}

	c.mu.Lock()
	if env.Lamport > c.lamport {
		c.lamport = env.Lamport
	}
	c.lamport++
	c.mu.Unlock()

	switch env.Kind {
	case KindAck:
		if env.SenderID == c.cfg.SenderID {
			return
		}
		for _, id := range env.Acks {
			c.handleAck(id)
		}
	case KindMessage:
		if env.SenderID == c.cfg.SenderID {
			return
		}
		if env.MessageID != computeMessageID(env.Channel, env.SenderID, env.Lamport, env.Payload) {
			c.logger.Debug("Ignoring message with mismatched id", zap.String("from", raw.From))
			return
		}

		source := "live"
		if historical {
			source = "history"
		}
		c.metrics.MessagesReceived.WithLabelValues(source).Inc()

		c.mu.Lock()
		c.pendingAcks[env.MessageID] = struct{}{}
		c.mu.Unlock()

		c.dispatch(Message{
			ID:         env.MessageID,
			SenderID:   env.SenderID,
			Payload:    env.Payload,
			Lamport:    env.Lamport,
			Timestamp:  time.UnixMilli(int64(env.Timestamp)),
			Historical: historical,
		})
	}
}

func (c *Channel) dispatch(msg Message) {
	c.mu.Lock()
	subs := make([]*subscriber[Message], 0, len(c.msgSubs))
	for _, s := range c.msgSubs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-c.ctx.Done():
		}
	}
}

func (c *Channel) ackLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flushAcks()
		}
	}
}

func (c *Channel) flushAcks() {
	c.mu.Lock()
	if len(c.pendingAcks) == 0 {
		c.mu.Unlock()
		return
	}
	ids := make([]types.MessageID, 0, len(c.pendingAcks))
	for id := range c.pendingAcks {
		ids = append(ids, id)
	}
	c.pendingAcks = make(map[types.MessageID]struct{})
	c.lamport++
	lamport := c.lamport
	c.mu.Unlock()

	for start := 0; start < len(ids); start += maxAcksPerEnvelope {
		end := start + maxAcksPerEnvelope
		if end > len(ids) {
			end = len(ids)
		}
		env := Envelope{
			Kind:      KindAck,
			Channel:   c.cfg.Name,
			SenderID:  c.cfg.SenderID,
			Lamport:   lamport,
			Timestamp: uint64(time.Now().UnixMilli()),
			Acks:      ids[start:end],
		}
		if err := c.sub.Publish(c.ctx, c.cfg.ContentTopic, encodeEnvelope(env)); err != nil {
			c.logger.Debug("Failed to publish acknowledgements", zap.Int("count", end-start), zap.Error(err))
			continue
		}
		c.metrics.AcksPublished.Inc()
	}
}
