package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel engine events are published on.
const DefaultChannel = "market-engine:events"

// RedisPublisher publishes messages on a Redis pub/sub channel so every
// engine instance can relay them to its own WebSocket clients.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, data).Err()
}

// Relay subscribes to channel and forwards every payload to hub. It
// resubscribes after a dropped connection until ctx is done.
func Relay(ctx context.Context, rdb *redis.Client, channel string, hub *WSHub) {
	if channel == "" {
		channel = DefaultChannel
	}
	for {
		pubsub := rdb.Subscribe(ctx, channel)
		stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })
		ch := pubsub.Channel(redis.WithChannelSize(1024))

		for msg := range ch {
			if err := hub.PublishRaw([]byte(msg.Payload)); err != nil {
				slog.Debug("relay drop", "channel", channel, "err", err)
			}
		}
		stop()
		_ = pubsub.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			// Avoid a tight loop while Redis is down.
		}
	}
}
