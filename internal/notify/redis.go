package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/redis/go-redis/v9"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes events on a pub/sub channel. Other service instances
// subscribe to it to fan events out to their own WebSocket clients.
type Redis struct {
	client  publisher
	channel string
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedis creates a Redis sink.
func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// Notify implements Notifier.
func (r *Redis) Notify(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.Publish(ctx, r.channel, string(data)).Err()
}

// Subscribe delivers events published on channel to handler until ctx is
// done. Malformed payloads are skipped and handler failures are logged
// with the logger carried by ctx.
func Subscribe(ctx context.Context, client *redis.Client, channel string, handler Notifier) {
	pubsub := client.Subscribe(ctx, channel)
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				relay(ctx, msg.Payload, handler)
			}
		}
	}()
}

func relay(ctx context.Context, payload string, handler Notifier) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		logging.L(ctx).Debug("skipping malformed event", "error", err)
		return
	}
	if err := handler.Notify(ctx, e); err != nil {
		logging.L(ctx).Warn("relaying event failed", "eventId", e.ID, "type", e.Type, "userId", e.UserID, "error", err)
	}
}
