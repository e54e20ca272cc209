package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the counter store behind fixed-window rate limiting.
type Client interface {
	// IncrWithTTL increments key and returns the new value. The TTL is set
	// when the key is created so the window starts on the first hit.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL reports the remaining lifetime of key, or zero when it has none.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClient connects to redisURL and verifies the connection. db
// overrides the database from the URL when non-negative.
func NewRedisClient(ctx context.Context, redisURL string, db int, prefix string) (*RedisCache, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if db >= 0 {
		opts.DB = db
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{rdb: rdb, prefix: prefix}, nil
}

func (c *RedisCache) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	key = c.prefix + key
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ttl, err := c.rdb.PTTL(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
