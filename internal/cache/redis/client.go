package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/cache"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

// Connect opens and pings a Redis connection shared by the cache and the queue.
func Connect(ctx context.Context, host string, port int, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))
	return client, nil
}

// Client is a cache.Store on Redis strings.
type Client struct {
	client   redis.UniversalClient
	scanSize int64
}

func NewClient(client redis.UniversalClient) *Client {
	return &Client{client: client, scanSize: 500}
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	logger.Debug("Stage cache hit", zap.String("key", key))
	return data, nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}

	logger.Debug("Stage result cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) Invalidate(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	batch := make([]string, 0, c.scanSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	iter := c.client.Scan(ctx, 0, prefix+"*", c.scanSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= c.scanSize {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	logger.Info("Stage cache invalidated", zap.String("prefix", prefix), zap.Int("deleted", deleted))
	return deleted, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
