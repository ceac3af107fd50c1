package notify

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const subscriberBuffer = 16

// RedisBus backs the notification channel with redis pub/sub, so the API
// process and the worker pool can share one bus without shared memory.
type RedisBus struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{client: client, log: log.Named("notify")}
}

func (b *RedisBus) Publish(ctx context.Context, accountID snowflake.ID, eventType string, payload any) {
	raw, err := encodeEnvelope(eventType, payload)
	if err != nil {
		b.log.Error("encode event", zap.String("event", eventType), zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, Channel(accountID), raw).Err(); err != nil {
		b.log.Warn("publish event",
			zap.String("event", eventType),
			zap.String("channel", Channel(accountID)),
			zap.Error(err),
		)
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, accountID snowflake.ID) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, Channel(accountID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	go sub.pump(b.log)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) pump(log *zap.Logger) {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		event, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			log.Warn("drop malformed event", zap.Error(err))
			continue
		}
		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
