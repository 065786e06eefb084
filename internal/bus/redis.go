package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// DefaultRedisChannelPrefix prefixes the per-stream pub/sub channel.
const DefaultRedisChannelPrefix = "ticks."

// RedisMirror publishes each tick as JSON on channel prefix+stream id, for
// example "ticks.NSE:RELIANCE:LTP".
type RedisMirror struct {
	client redis.Cmdable
	prefix string
}

// NewRedisMirror wraps an existing client. The client is owned by the
// caller and is not closed by Close.
func NewRedisMirror(client redis.Cmdable, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisMirror{client: client, prefix: prefix}
}

func (m *RedisMirror) Name() string { return "redis" }

// Channel returns the channel a stream is published on.
func (m *RedisMirror) Channel(key model.StreamKey) string {
	return m.prefix + key.String()
}

// Forward publishes the batch in one pipeline.
func (m *RedisMirror) Forward(ctx context.Context, ticks []model.Tick) error {
	pipe := m.client.Pipeline()
	for _, t := range ticks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal tick: %w", err)
		}
		pipe.Publish(ctx, m.Channel(t.Key()), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() error { return nil }
