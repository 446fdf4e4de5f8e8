// Package redis connects the shared go-redis client used for change
// notification pub/sub.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"factora/internal/platform/config"
)

type Client struct {
	*redis.Client
	logger *slog.Logger
}

// New connects to cfg.URL and pings it. It returns nil, nil when Redis is
// not configured.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	applyPoolConfig(opts, cfg)

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{Client: client, logger: logger}, nil
}

func applyPoolConfig(opts *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// MessageHandler receives one published message.
type MessageHandler func(ctx context.Context, channel string, payload []byte)

// Listen pattern-subscribes and hands every message to handle until ctx is
// done. It returns once the subscription is confirmed to have failed or ended.
// go-redis reconnects the subscription on its own; messages published while
// it is down are lost.
func (c *Client) Listen(ctx context.Context, pattern string, handle MessageHandler) error {
	ps := c.PSubscribe(ctx, pattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	c.logger.InfoContext(ctx, "redis subscription active", "pattern", pattern)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			handle(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}
