// Package notify delivers committed notifications to live subscribers and other sinks.
package notify

import (
	"context"
	"sync"

	"dispatchcore/internal/model"
)

// Broker is a topic keyed pub/sub for notifications. Topics come from Notification.Topic.
type Broker interface {
	// Subscribe returns a channel of notifications for topic and a cancel func that closes it.
	Subscribe(ctx context.Context, topic string) (<-chan model.Notification, func())
	Publish(ctx context.Context, n model.Notification) error
}

// MemoryBroker is the single-process broker. Slow subscribers drop events instead of blocking
// publishers.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.Notification]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[chan model.Notification]struct{}{}}
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (<-chan model.Notification, func()) {
	ch := make(chan model.Notification, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan model.Notification]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.subs[topic]; m != nil {
				delete(m, ch)
				if len(m) == 0 {
					delete(b.subs, topic)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *MemoryBroker) Publish(_ context.Context, n model.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[n.Topic()] {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}
