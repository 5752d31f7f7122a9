package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "fleetline:events:"

// RedisSink publishes relay envelopes to per-conversation Redis
// Streams so external consumers (a UI, another process) can follow a
// workflow without polling.
type RedisSink struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(redisURL string, logger *zap.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb, logger: logger}, nil
}

func (s *RedisSink) stream(env Envelope) string {
	key := env.ConversationID
	if key == "" {
		key = env.ContextID
	}
	if key == "" {
		key = "global"
	}
	return streamPrefix + key
}

// Publish XADDs the envelope to its conversation stream.
func (s *RedisSink) Publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	stream := s.stream(env)
	_, err = s.rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	s.logger.Debug("published envelope",
		zap.String("stream", stream),
		zap.String("type", string(env.EventType)))
	return nil
}

// Subscribe listens for envelopes on a conversation's stream.
// Returns a channel that emits envelopes. Cancel the context to stop.
func (s *RedisSink) Subscribe(ctx context.Context, conversationID string) <-chan Envelope {
	ch := make(chan Envelope, 16)
	stream := streamPrefix + conversationID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var env Envelope
					if json.Unmarshal([]byte(data), &env) == nil {
						ch <- env
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
