package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSinkConfig wires the Redis Streams sink.
type RedisSinkConfig struct {
	Client redis.UniversalClient
	// Stream is the stream key. Defaults to "relay:offline".
	Stream string
	// MaxLen caps the stream with approximate trimming; zero keeps everything.
	MaxLen int64
}

// RedisSink appends events to a Redis stream consumed by the offline delivery worker.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "relay:offline"
	}
	return &RedisSink{client: cfg.Client, stream: cfg.Stream, maxLen: cfg.MaxLen}, nil
}

// Publish XADDs the event as a single JSON field plus the recipient for cheap filtering.
func (s *RedisSink) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal offline event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"recipient": evt.Recipient,
			"event":     data,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append offline event to %s: %w", s.stream, err)
	}
	return nil
}

var _ Sink = (*RedisSink)(nil)
