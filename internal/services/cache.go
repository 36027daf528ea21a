package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"github.com/redis/go-redis/v9"
)

// Cache key prefixes
const (
	cacheKeyTopics   = "topics"
	cacheKeyProgress = "progress:"
	cacheKeyLesson   = "lesson:"
)

// CacheInterface is a TTL key/value store for JSON-encodable values
type CacheInterface interface {
	// Get decodes the value at key into dest and reports whether it was present
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetOrLoad returns the cached value at key, calling load and caching its result on a miss.
// Cache errors are logged by callers and never hide the loaded value.
func GetOrLoad[T any](ctx context.Context, c CacheInterface, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	if hit, err := c.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}
	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	_ = c.Set(ctx, key, value, ttl)
	return value, nil
}

// LessonCacheKey is the deduplication key of a generation request: the
// SHA-256 of topic, level and goal.
func LessonCacheKey(topicID string, difficulty int, goal string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(topicID)))
	h.Write([]byte("|" + strconv.Itoa(difficulty) + "|"))
	h.Write([]byte(strings.ToLower(strings.TrimSpace(goal))))
	return hex.EncodeToString(h.Sum(nil))
}

// NewCache creates the cache backend selected by cfg
func NewCache(cfg config.CacheConfig, logger *observability.Logger) (CacheInterface, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisCache(cfg, logger)
	case "", "memory":
		c := NewMemoryCache(cfg, nil)
		c.Start()
		return c, nil
	default:
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown cache backend '%s'", cfg.Backend)
	}
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process CacheInterface. Expired entries are dropped on
// read and by a janitor goroutine.
type MemoryCache struct {
	defaultTTL      time.Duration
	janitorInterval time.Duration
	clock           contextutils.Clock

	mu      sync.RWMutex
	entries map[string]memoryEntry
	hits    int64
	misses  int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// CacheStats is a snapshot of MemoryCache counters
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewMemoryCache creates an in-memory cache. A nil clock uses the wall clock.
func NewMemoryCache(cfg config.CacheConfig, clock contextutils.Clock) *MemoryCache {
	if clock == nil {
		clock = contextutils.SystemClock{}
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}
	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = config.CacheJanitorInterval
	}
	return &MemoryCache{
		defaultTTL:      ttl,
		janitorInterval: interval,
		clock:           clock,
		entries:         make(map[string]memoryEntry),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the janitor
func (c *MemoryCache) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.DeleteExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Get implements CacheInterface
func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	now := c.clock.Now()
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, contextutils.WrapErrorf(err, "failed to decode cached value for %s", key)
	}
	return true, nil
}

// Set implements CacheInterface. A zero ttl uses the default TTL.
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to encode value for %s", key)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{data: data, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete implements CacheInterface
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// DeleteExpired drops every expired entry and returns how many were removed
func (c *MemoryCache) DeleteExpired() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Stats returns the cache counters
func (c *MemoryCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// Close stops the janitor
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

// RedisCache is a CacheInterface on redis
type RedisCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	logger     *observability.Logger
}

// NewRedisCache connects to the redis server in cfg.Redis and pings it
func NewRedisCache(cfg config.CacheConfig, logger *observability.Logger) (*RedisCache, error) {
	if cfg.Redis.Addr == "" {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "cache.redis.addr is required for the redis cache backend")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "redis ping %s failed: %v", cfg.Redis.Addr, err)
	}
	return NewRedisCacheWithClient(client, cfg, logger), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, cfg config.CacheConfig, logger *observability.Logger) *RedisCache {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: cfg.Redis.Prefix, defaultTTL: ttl, logger: logger}
}

// Get implements CacheInterface
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.logger.Warn(ctx, "Redis cache get failed", map[string]interface{}{"key": key, "error": err.Error()})
		return false, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "redis get %s: %v", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, contextutils.WrapErrorf(err, "failed to decode cached value for %s", key)
	}
	return true, nil
}

// Set implements CacheInterface. A zero ttl uses the default TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to encode value for %s", key)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		c.logger.Warn(ctx, "Redis cache set failed", map[string]interface{}{"key": key, "error": err.Error()})
		return contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "redis set %s: %v", key, err)
	}
	return nil
}

// Delete implements CacheInterface
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "redis del %s: %v", key, err)
	}
	return nil
}

// Close closes the redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
