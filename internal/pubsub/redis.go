package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "settle:events:"

// RedisStream is a Stream backed by Redis pub/sub, so the controller
// can serve event streams for jobs executed by a separate worker
// process.
type RedisStream struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisStream connects to Redis and verifies the connection.
func NewRedisStream(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisStream, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStream{rdb: rdb, logger: logger}, nil
}

// Publish sends ev to the user's channel. Redis pub/sub has no replay;
// subscribers absent at publish time simply miss the event.
func (s *RedisStream) Publish(ctx context.Context, userID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.rdb.Publish(ctx, channelPrefix+userID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event for job %s: %w", ev.JobID, err)
	}
	return nil
}

// Subscribe attaches to the user's channel until stop is called or ctx
// is cancelled.
func (s *RedisStream) Subscribe(ctx context.Context, userID string) (<-chan Event, func(), error) {
	sub := s.rdb.Subscribe(ctx, channelPrefix+userID)

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe for user %s: %w", userID, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { sub.Close() }
	return out, stop, nil
}

// Close releases the Redis connection.
func (s *RedisStream) Close() error {
	return s.rdb.Close()
}
