package bridge

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub implements Publisher and Subscriber on a Redis connection.
type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (r *RedisPubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (r *RedisPubSub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)

	// Force the subscribe round-trip so a dead broker fails here, not
	// silently on the message channel.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan []byte)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

var (
	_ Publisher  = (*RedisPubSub)(nil)
	_ Subscriber = (*RedisPubSub)(nil)
)
