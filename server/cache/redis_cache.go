package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisCache struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger
}

type RedisOptions struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
}

// NewRedisCache connects and pings the server so callers can fall back to
// memory when Redis is unreachable.
func NewRedisCache(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("host", opts.Host),
		zap.Int("port", opts.Port))

	return &RedisCache{
		client:    client,
		ttl:       opts.TTL,
		keyPrefix: "posture:",
		logger:    logger,
	}, nil
}

func (c *RedisCache) key(k string) string {
	return c.keyPrefix + k
}

func (c *RedisCache) Set(ctx context.Context, key string, value any) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *RedisCache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) error {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *RedisCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{Backend: "redis"}
	if err := c.client.Ping(ctx).Err(); err != nil {
		stats.Info = err.Error()
		return stats, nil
	}
	size, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dbsize: %w", err)
	}
	pool := c.client.PoolStats()
	stats.Connected = true
	stats.Info = fmt.Sprintf("keys=%d,hits=%d,misses=%d,total_conns=%d,ttl=%v",
		size, pool.Hits, pool.Misses, pool.TotalConns, c.ttl)
	return stats, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
