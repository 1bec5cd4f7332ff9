package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sawpanic/forecastrun/internal/domain"
)

// Cache is a byte-level KV store with TTL semantics
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

type memory struct {
	mu sync.Mutex
	m  map[string]entry
}
type entry struct {
	b   []byte
	exp time.Time
}

func New() Cache { return &memory{m: make(map[string]entry)} }

func (c *memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return nil, false
	}
	return e.b, true
}
func (c *memory) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

// Optional Redis adapter when REDIS_ADDR is set
type redisCache struct{ r *redis.Client }

// NewAuto picks Redis when REDIS_ADDR is set, in-memory otherwise
func NewAuto() Cache {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return &redisCache{r: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return New()
}

// Mode reports which backend NewAuto would pick, for health reporting
func Mode() string {
	if os.Getenv("REDIS_ADDR") != "" {
		return "redis"
	}
	return "memory"
}

func (r *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}
func (r *redisCache) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}

// ForecastCache keeps the latest ensemble forecast per (asset, horizon) pair.
// It serves the poll endpoint and backs the degraded path when a cycle fails.
type ForecastCache struct {
	cache Cache
	ttl   time.Duration
}

// NewForecastCache wraps a Cache with forecast keys. ttl of zero never expires.
func NewForecastCache(c Cache, ttl time.Duration) *ForecastCache {
	return &ForecastCache{cache: c, ttl: ttl}
}

func forecastKey(asset string, horizon domain.Horizon) string {
	return fmt.Sprintf("forecast:%s:%s", asset, horizon)
}

// Put stores the latest forecast for its pair
func (fc *ForecastCache) Put(ef domain.EnsembleForecast) {
	b, err := json.Marshal(ef)
	if err != nil {
		return
	}
	fc.cache.Set(forecastKey(ef.Asset, ef.Horizon), b, fc.ttl)
}

// Latest returns the cached forecast for a pair
func (fc *ForecastCache) Latest(asset string, horizon domain.Horizon) (domain.EnsembleForecast, bool) {
	b, ok := fc.cache.Get(forecastKey(asset, horizon))
	if !ok {
		return domain.EnsembleForecast{}, false
	}
	var ef domain.EnsembleForecast
	if err := json.Unmarshal(b, &ef); err != nil {
		return domain.EnsembleForecast{}, false
	}
	return ef, true
}
