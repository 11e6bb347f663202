package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type MemoryCache struct {
	items   map[string]*CacheItem
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
	closed  sync.Once
}

type CacheItem struct {
	Value       []byte
	ExpiresAt   time.Time
	LastUsed    time.Time
	AccessCount int64
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	cache := &MemoryCache{
		items:   make(map[string]*CacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	cache.cleanup = time.NewTicker(1 * time.Minute)
	go cache.cleanupExpired()

	return cache
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	now := time.Now()
	c.items[key] = &CacheItem{
		Value:       data,
		ExpiresAt:   now.Add(ttl),
		LastUsed:    now,
		AccessCount: 1,
	}

	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) error {
	c.mutex.Lock()
	item, exists := c.items[key]
	if !exists {
		c.mutex.Unlock()
		return ErrCacheMiss
	}
	if time.Now().After(item.ExpiresAt) {
		delete(c.items, key)
		c.mutex.Unlock()
		return ErrCacheMiss
	}
	item.LastUsed = time.Now()
	item.AccessCount++
	data := item.Value
	c.mutex.Unlock()

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}

	return !time.Now().After(item.ExpiresAt), nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	expiredCount := 0
	totalAccessCount := int64(0)

	for _, item := range c.items {
		if now.After(item.ExpiresAt) {
			expiredCount++
		}
		totalAccessCount += item.AccessCount
	}

	return &CacheStats{
		Backend:   "memory",
		Connected: true,
		Info: fmt.Sprintf("items=%d,expired=%d,access_count=%d,max_size=%d",
			len(c.items), expiredCount, totalAccessCount, c.maxSize),
	}, nil
}

func (c *MemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.items)
}

func (c *MemoryCache) Close() error {
	c.closed.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.LastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *MemoryCache) removeExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	removed := 0
	for key, item := range c.items {
		if now.After(item.ExpiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			if n := c.removeExpired(); n > 0 {
				c.logger.Debug("Evicted expired cache entries", zap.Int("count", n))
			}
		case <-c.stopCh:
			return
		}
	}
}
