package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends events to a Redis stream named after the run.
type RedisPublisher struct {
	client    redis.Cmdable
	keyPrefix string
	maxLen    int64
}

// NewRedisPublisher creates a publisher writing to "<keyPrefix><runID>".
// maxLen caps each stream approximately; zero keeps everything.
func NewRedisPublisher(client redis.Cmdable, keyPrefix string, maxLen int64) *RedisPublisher {
	if keyPrefix == "" {
		keyPrefix = "trainloop:"
	}
	return &RedisPublisher{client: client, keyPrefix: keyPrefix, maxLen: maxLen}
}

func (rp *RedisPublisher) Name() string { return "redis" }

// StreamKey returns the stream holding the events of runID
func (rp *RedisPublisher) StreamKey(runID string) string {
	return rp.keyPrefix + runID
}

func (rp *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: rp.StreamKey(event.RunID),
		Values: map[string]interface{}{
			"id":      event.ID,
			"kind":    string(event.Kind),
			"payload": payload,
		},
	}
	if rp.maxLen > 0 {
		args.MaxLen = rp.maxLen
		args.Approx = true
	}

	if err := rp.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append event to stream: %w", err)
	}
	return nil
}

func (rp *RedisPublisher) Reset(ctx context.Context, runID string) error {
	if err := rp.client.Del(ctx, rp.StreamKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	return nil
}
