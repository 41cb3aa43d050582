package oracle

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Cache stores recent prices keyed by pair.
type Cache interface {
	Get(ctx context.Context, pair string) (float64, bool)
	Set(ctx context.Context, pair string, price float64, ttl time.Duration)
}

type memoryEntry struct {
	price float64
	exp   time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu  sync.Mutex
	m   map[string]memoryEntry
	now func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, pair string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[pair]
	if !ok || (!e.exp.IsZero() && c.now().After(e.exp)) {
		return 0, false
	}
	return e.price, true
}

func (c *MemoryCache) Set(_ context.Context, pair string, price float64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{price: price}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.m[pair] = e
}

// RedisCache shares prices between processes through Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing client. Keys are stored as prefix+pair.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "price:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) Get(ctx context.Context, pair string) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	v, err := r.client.Get(ctx, r.prefix+pair).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("pair", pair).Msg("redis price cache read failed")
		}
		return 0, false
	}
	price, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

func (r *RedisCache) Set(ctx context.Context, pair string, price float64, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	val := strconv.FormatFloat(price, 'f', -1, 64)
	if err := r.client.Set(ctx, r.prefix+pair, val, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("pair", pair).Msg("redis price cache write failed")
	}
}

// CachedOracle serves prices from a Cache and falls through to the wrapped
// Oracle on a miss. Repeated lookups inside the TTL cost one upstream query.
type CachedOracle struct {
	next  Oracle
	cache Cache
	ttl   time.Duration
}

// NewCachedOracle wraps next with cache.
func NewCachedOracle(next Oracle, cache Cache, ttl time.Duration) *CachedOracle {
	return &CachedOracle{next: next, cache: cache, ttl: ttl}
}

func (c *CachedOracle) GetPrice(ctx context.Context, pair string) (float64, error) {
	if p, ok := c.cache.Get(ctx, pair); ok {
		return p, nil
	}
	p, err := c.next.GetPrice(ctx, pair)
	if err != nil {
		return 0, err
	}
	c.cache.Set(ctx, pair, p, c.ttl)
	return p, nil
}

func (c *CachedOracle) GetPrices(ctx context.Context, pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	var misses []string
	for _, pair := range pairs {
		if p, ok := c.cache.Get(ctx, pair); ok {
			out[pair] = p
			continue
		}
		misses = append(misses, pair)
	}
	if len(misses) == 0 {
		return out, nil
	}
	fetched, err := c.next.GetPrices(ctx, misses)
	if err != nil {
		return out, err
	}
	for pair, p := range fetched {
		c.cache.Set(ctx, pair, p, c.ttl)
		out[pair] = p
	}
	return out, nil
}
