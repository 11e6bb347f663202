package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	clientIDHeader  = "X-Client-ID"
	bucketIdleLimit = 10 * time.Minute
)

// RateLimiter is a token bucket per caller. Callers are told apart by the
// X-Client-ID header and their IP.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	stopCh     chan struct{}
	stopOnce   sync.Once
	logger     *zap.Logger
	defaultRPS int
	burst      int
	now        func() time.Time
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

type LimiterStats struct {
	ActiveClients int `json:"active_clients"`
	DefaultRPS    int `json:"default_rps"`
	BurstCapacity int `json:"burst_capacity"`
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig limits a route group with its own rate. Buckets are
// shared across groups, so a caller's budget is spent wherever it is used.
func (rl *RateLimiter) RateLimitWithConfig(rps int, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKey(c)

		if !rl.allowRequest(key, rps, burst) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client", key),
				zap.String("path", c.Request.URL.Path),
				zap.Int("rps", rps))

			retryAfter := 1
			if rps > 0 {
				retryAfter = int(math.Ceil(1 / float64(rps)))
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if id := c.GetHeader(clientIDHeader); id != "" {
		return id + "@" + c.ClientIP()
	}
	return c.ClientIP()
}

func (rl *RateLimiter) allowRequest(key string, rps, burst int) bool {
	now := rl.now()

	rl.mutex.Lock()
	bucket, exists := rl.clients[key]
	if !exists {
		bucket = &ClientBucket{
			tokens:     float64(burst),
			lastUpdate: now,
		}
		rl.clients[key] = bucket
	}
	rl.mutex.Unlock()

	return bucket.take(now, rps, burst)
}

// take refills the bucket for the elapsed time and spends one token.
func (cb *ClientBucket) take(now time.Time, rps, burst int) bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	elapsed := now.Sub(cb.lastUpdate).Seconds()
	if elapsed > 0 {
		cb.tokens = math.Min(float64(burst), cb.tokens+elapsed*float64(rps))
		cb.lastUpdate = now
	}

	if cb.tokens >= 1 {
		cb.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			if n := rl.sweep(rl.now()); n > 0 {
				rl.logger.Debug("Dropped idle rate limit buckets", zap.Int("count", n))
			}
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	removed := 0
	for key, bucket := range rl.clients {
		bucket.mutex.Lock()
		idle := now.Sub(bucket.lastUpdate) > bucketIdleLimit
		bucket.mutex.Unlock()
		if idle {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) GetClientStats(key string) (tokens float64, lastUpdate time.Time, exists bool) {
	rl.mutex.RLock()
	bucket, exists := rl.clients[key]
	rl.mutex.RUnlock()

	if !exists {
		return 0, time.Time{}, false
	}

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()
	return bucket.tokens, bucket.lastUpdate, true
}

func (rl *RateLimiter) GetGlobalStats() LimiterStats {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return LimiterStats{
		ActiveClients: len(rl.clients),
		DefaultRPS:    rl.defaultRPS,
		BurstCapacity: rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.stopOnce.Do(func() {
		rl.cleanup.Stop()
		close(rl.stopCh)
	})
}
