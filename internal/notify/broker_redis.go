package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dispatchcore/internal/model"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker fans notifications out across API replicas over Redis pub/sub.
type RedisBroker struct {
	rdb    redis.UniversalClient
	prefix string
	log    zerolog.Logger
}

func NewRedisBroker(rdb redis.UniversalClient, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, prefix: "dispatch:", log: log.With().Str("component", "redis_broker").Logger()}
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan model.Notification, func()) {
	ch := make(chan model.Notification, 16)
	ps := b.rdb.Subscribe(ctx, b.prefix+topic)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("subscribe failed")
	}
	done := make(chan struct{})
	go func() {
		defer close(ch)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n model.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					b.log.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable notification")
					continue
				}
				select {
				case ch <- n:
				default:
				}
			}
		}
	}()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
}

func (b *RedisBroker) Publish(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.prefix+n.Topic(), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.Topic(), err)
	}
	return nil
}
