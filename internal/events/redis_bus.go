package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 2 * time.Second

// RedisBus wraps a LocalBus so the controller also broadcasts its four
// topics to a Redis Pub/Sub channel per topic, letting an admin UI or a
// second controller instance observe the same events without touching the
// scheduler task. Local delivery to in-process subscribers happens
// synchronously exactly like LocalBus; the Redis publish is fire-and-forget
// and never blocks or fails the scheduler's own dispatch.
type RedisBus struct {
	*LocalBus

	client *redis.Client
	prefix string
}

// NewRedisBus wraps client, prefixing every channel name with prefix
// (default "fieldctl:events:").
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "fieldctl:events:"
	}
	return &RedisBus{
		LocalBus: NewLocalBus(),
		client:   client,
		prefix:   prefix,
	}
}

// Publish dispatches to local subscribers first (synchronously, on the
// calling goroutine, matching spec), then best-effort publishes the same
// payload to Redis in the background.
func (b *RedisBus) Publish(topic Topic, payload any) {
	b.LocalBus.Publish(topic, payload)

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal event for redis publish", "topic", topic, "error", err)
		return
	}
	channel := b.prefix + string(topic)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
		defer cancel()
		if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
			slog.Warn("redis publish failed", "channel", channel, "error", err)
		}
	}()
}

// Relay subscribes to every Redis channel this bus publishes to and
// invokes fn for each decoded message, until ctx is canceled. It is meant
// for a second process that wants the same event stream without sharing
// the scheduler's LocalBus in memory.
func (b *RedisBus) Relay(ctx context.Context, fn func(topic Topic, raw []byte)) error {
	channels := []string{
		b.prefix + string(TopicMovementDetected),
		b.prefix + string(TopicModuleStateChanged),
		b.prefix + string(TopicNoveltyReceived),
		b.prefix + string(TopicCommunicationError),
	}
	sub := b.client.Subscribe(ctx, channels...)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription channel closed")
			}
			topic := Topic(msg.Channel[len(b.prefix):])
			fn(topic, []byte(msg.Payload))
		}
	}
}
