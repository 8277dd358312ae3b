package substrate

import (
	"sync"
	"time"
)

const (
	DefaultHistorySize      = 1024
	DefaultHistoryRetention = 24 * time.Hour
)

// History retains recent messages per topic, bounded by count and age.
type History struct {
	mu        sync.RWMutex
	capacity  int
	retention time.Duration
	topics    map[string][]Message
	now       func() time.Time
}

func NewHistory(capacity int, retention time.Duration) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &History{
		capacity:  capacity,
		retention: retention,
		topics:    make(map[string][]Message),
		now:       time.Now,
	}
}

func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := append(h.topics[msg.Topic], msg)
	msgs = h.prune(msgs)
	if len(msgs) > h.capacity {
		msgs = append([]Message(nil), msgs[len(msgs)-h.capacity:]...)
	}
	h.topics[msg.Topic] = msgs
}

func (h *History) prune(msgs []Message) []Message {
	cutoff := h.now().Add(-h.retention)
	i := 0
	for i < len(msgs) && msgs[i].ReceivedAt.Before(cutoff) {
		i++
	}
	return msgs[i:]
}

// Since returns retained messages on topic received at or after since,
// oldest first.
func (h *History) Since(topic string, since time.Time) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := h.now().Add(-h.retention)
	if since.Before(cutoff) {
		since = cutoff
	}
	var out []Message
	for _, msg := range h.topics[topic] {
		if msg.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (h *History) Len(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
