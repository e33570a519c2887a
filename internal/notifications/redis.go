package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisNotifier struct {
	client *redis.Client
	stream string
}

// NewRedisStream returns a notifier appending events to a Redis stream.
func NewRedisStream(redisURL, stream string) (Notifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if stream == "" {
		stream = "montage:events"
	}
	return &redisNotifier{client: redis.NewClient(opts), stream: stream}, nil
}

func (r *redisNotifier) Name() string { return "redis" }

func (r *redisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode redis event: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"id":      event.ID,
			"type":    event.Type,
			"status":  event.Status,
			"summary": event.Summary,
			"event":   string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *redisNotifier) Close() error {
	return r.client.Close()
}
