package cache

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"time"
)

// Cache stores JSON-encodable values. Get decodes into dest, which must be a
// pointer.
type Cache interface {
	Set(ctx context.Context, key string, value any) error

	Get(ctx context.Context, key string, dest any) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Info      string `json:"info"`
}

var ErrCacheMiss = errors.New("cache miss")

func GenerateCacheKey(components ...string) string {
	h := md5.New()
	for _, component := range components {
		h.Write([]byte(component))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
