package output

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// RedisSink publishes caption messages on a Redis pub/sub channel
type RedisSink struct {
	client  *redis.Client
	channel string
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewRedisSink connects to the Redis server at url, retrying the first ping with backoff
func NewRedisSink(ctx context.Context, url, channel string, reconnect *resilience.ReconnectConfig, retry *resilience.RetryConfig) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	logger := observability.Component("redis_sink")
	logger.Info().Str("redis", opt.Addr).Int("db", opt.DB).Str("channel", channel).Msg("Connecting caption sink")

	client := redis.NewClient(opt)
	ping := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	if err := resilience.Reconnect(ctx, "redis", ping, reconnect); err != nil {
		client.Close()
		return nil, err
	}

	return newRedisSink(client, channel, retry, logger), nil
}

func newRedisSink(client *redis.Client, channel string, retry *resilience.RetryConfig, logger zerolog.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, retry: retry, logger: logger}
}

// Publish sends msg as JSON on the channel, retrying transient network errors
func (s *RedisSink) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	err = resilience.Retry(ctx, func(ctx context.Context) error {
		return s.client.Publish(ctx, s.channel, data).Err()
	}, s.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		observability.RecordError("publish", "redis_sink")
		return fmt.Errorf("publish to redis channel %s: %w", s.channel, err)
	}
	return nil
}

// Check pings the server, for readiness probes
func (s *RedisSink) Check(ctx context.Context) (bool, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the client
func (s *RedisSink) Close() error {
	return s.client.Close()
}
