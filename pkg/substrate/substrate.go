// Package substrate abstracts the gossip pub/sub network that carries
// announcements: best-effort publish, live subscription, and store queries
// for recent history.
package substrate

import (
	"context"
	"errors"
	"time"

	"freepress/pkg/health"
)

var (
	ErrNotConnected     = errors.New("substrate: not connected")
	ErrClosed           = errors.New("substrate: closed")
	ErrStoreUnavailable = errors.New("substrate: store unavailable")
)

// Message is one payload observed on a topic.
type Message struct {
	Topic      string
	Data       []byte
	From       string
	ReceivedAt time.Time
}

type Substrate interface {
	// Publish hands data to the network. Success means accepted for
	// propagation, not delivered.
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe delivers live messages until ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	// Query returns retained messages received at or after since.
	Query(ctx context.Context, topic string, since time.Time) ([]Message, error)
	Signal(topic string) health.Signal
	// Notify fires (coalesced) whenever peer connectivity changes.
	Notify() <-chan struct{}
	Close() error
}

type healthSource struct {
	s     Substrate
	topic string
}

// HealthSource exposes a substrate's view of topic as a health.Source.
func HealthSource(s Substrate, topic string) health.Source {
	return &healthSource{s: s, topic: topic}
}

func (h *healthSource) HealthSignal() health.Signal { return h.s.Signal(h.topic) }
func (h *healthSource) Notify() <-chan struct{}     { return h.s.Notify() }

// Notifier is a coalescing wakeup channel for Substrate.Notify.
type Notifier chan struct{}

func NewNotifier() Notifier { return make(Notifier, 1) }

func (n Notifier) Fire() {
	select {
	case n <- struct{}{}:
	default:
	}
}
