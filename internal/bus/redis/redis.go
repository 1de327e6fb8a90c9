// Package redis implements bus.Bus on Redis Streams.
//
// Each channel is one stream, so all keys share a single order. Consumption
// goes through a consumer group; entries left pending by a crashed consumer
// with the same name are delivered first on restart.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wirechat-relay/internal/bus"
)

const (
	fieldKey   = "key"
	fieldValue = "value"
)

// Config describes the Redis connection and consumer group.
type Config struct {
	Addr     string
	Password string
	DB       int
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// Bus is a Redis Streams bus.Bus.
type Bus struct {
	client *redis.Client
	cfg    Config
}

var _ bus.Bus = (*Bus)(nil)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, cfg), nil
}

// New wraps an existing client. The bus takes ownership of it.
func New(client *redis.Client, cfg Config) *Bus {
	if cfg.Count <= 0 {
		cfg.Count = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "relay"
	}
	return &Bus{client: client, cfg: cfg}
}

// Publish appends an entry to the channel stream.
func (b *Bus) Publish(ctx context.Context, channel, key string, value []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: channel,
		Values: map[string]any{fieldKey: key, fieldValue: value},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Subscribe reads the stream through the consumer group and acks entries
// once handle returns nil.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle bus.Handler) error {
	if err := b.ensureGroup(ctx, channel); err != nil {
		return err
	}

	// "0" replays this consumer's pending entries; ">" asks for new ones.
	start := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{channel, start},
			Count:    b.cfg.Count,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return bus.ErrClosed
			}
			return fmt.Errorf("redis xreadgroup: %w", err)
		}

		n := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				n++
				key, _ := msg.Values[fieldKey].(string)
				value, _ := msg.Values[fieldValue].(string)
				if err := handle(ctx, key, []byte(value)); err != nil {
					return fmt.Errorf("redis handle %s: %w", msg.ID, err)
				}
				if err := b.client.XAck(ctx, channel, b.cfg.Group, msg.ID).Err(); err != nil {
					return fmt.Errorf("redis xack: %w", err)
				}
			}
		}
		if start == "0" && n == 0 {
			start = ">"
		}
	}
}

func (b *Bus) ensureGroup(ctx context.Context, channel string) error {
	err := b.client.XGroupCreateMkStream(ctx, channel, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis xgroup create: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (b *Bus) Close() error {
	return b.client.Close()
}
