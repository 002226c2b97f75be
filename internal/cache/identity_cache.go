package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPrefix = "identity:"

// IdentityCacheStats tracks cache performance metrics
type IdentityCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// IdentityCache maps natural keys (symbol, exchange name, trading pair
// tuple) to database ids so repeated cycles skip the get-or-create round
// trip. A nil Redis client disables it: every lookup misses.
type IdentityCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger logrus.FieldLogger

	mu    sync.RWMutex
	stats IdentityCacheStats
}

func NewIdentityCache(client *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *IdentityCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IdentityCache{
		redis:  client,
		ttl:    ttl,
		prefix: defaultPrefix,
		logger: logger.WithField("component", "identity_cache"),
	}
}

// CryptoKey, ExchangeKey and PairKey build the natural keys of the three
// dimension tables.
func CryptoKey(symbol string) string {
	return "crypto:" + strings.ToUpper(symbol)
}

func ExchangeKey(name string) string {
	return "exchange:" + strings.ToLower(name)
}

func PairKey(exchangeID, cryptoID int64, base, quote string) string {
	return fmt.Sprintf("pair:%d:%d:%s:%s", exchangeID, cryptoID, strings.ToUpper(base), strings.ToUpper(quote))
}

// Enabled reports whether lookups can ever hit.
func (c *IdentityCache) Enabled() bool {
	return c != nil && c.redis != nil
}

// Get returns the cached id for key. Redis errors count as misses.
func (c *IdentityCache) Get(ctx context.Context, key string) (int64, bool) {
	if !c.Enabled() {
		return 0, false
	}

	data, err := c.redis.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		c.record(func(s *IdentityCacheStats) { s.Misses++ })
		return 0, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Redis error reading identity")
		c.record(func(s *IdentityCacheStats) { s.Misses++; s.Errors++ })
		return 0, false
	}

	id, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		c.logger.WithField("key", key).Warn("Discarding malformed cached identity")
		c.record(func(s *IdentityCacheStats) { s.Misses++; s.Errors++ })
		return 0, false
	}

	c.record(func(s *IdentityCacheStats) { s.Hits++ })
	return id, true
}

// Set stores id under key with the configured TTL. Failures are logged and
// otherwise ignored.
func (c *IdentityCache) Set(ctx context.Context, key string, id int64) {
	if !c.Enabled() {
		return
	}
	if err := c.redis.Set(ctx, c.prefix+key, strconv.FormatInt(id, 10), c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Redis error caching identity")
		c.record(func(s *IdentityCacheStats) { s.Errors++ })
		return
	}
	c.record(func(s *IdentityCacheStats) { s.Sets++ })
}

// Resolve returns the cached id for key, or calls create and caches its
// result.
func (c *IdentityCache) Resolve(ctx context.Context, key string, create func(context.Context) (int64, error)) (int64, error) {
	if id, ok := c.Get(ctx, key); ok {
		return id, nil
	}
	id, err := create(ctx)
	if err != nil {
		return 0, err
	}
	c.Set(ctx, key, id)
	return id, nil
}

func (c *IdentityCache) record(fn func(*IdentityCacheStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// GetStats returns current cache statistics
func (c *IdentityCache) GetStats() IdentityCacheStats {
	if c == nil {
		return IdentityCacheStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// LogStats logs current cache performance statistics
func (c *IdentityCache) LogStats() {
	stats := c.GetStats()
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}

	c.logger.WithFields(logrus.Fields{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"sets":     stats.Sets,
		"errors":   stats.Errors,
		"hit_rate": fmt.Sprintf("%.2f%%", hitRate),
	}).Info("Identity cache stats")
}
