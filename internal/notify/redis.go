package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes events on a Redis channel the notification and
// scheduling collaborators subscribe to.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects to Redis and returns a publisher for channel.
func NewRedisNotifier(redisURL, channel string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisNotifier{client: client, channel: channel}, nil
}

// NewRedisNotifierWithClient wraps an existing Redis client.
func NewRedisNotifierWithClient(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// Ping checks if Redis is reachable
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
