// Package events fans node activity out to live observers such as the
// websocket feed of the HTTP API.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindHealth       Kind = "health"
	KindDiscovered   Kind = "manifest.discovered"
	KindAnnouncement Kind = "announcement"
	KindPipeline     Kind = "pipeline.run"
	KindMirror       Kind = "mirror"
)

type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Bus never blocks publishers; a subscriber that falls behind loses events.
type Bus struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(kind Kind, data any) {
	ev := Event{Kind: kind, At: time.Now(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("Dropping event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("kind", string(kind)))
		}
	}
}

// Subscribe returns a channel of events published after the call and a
// cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
