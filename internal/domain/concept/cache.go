package concept

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NameCache stores resolved concept display names.
type NameCache interface {
	GetName(ctx context.Context, conceptID string) (string, bool, error)
	SetName(ctx context.Context, conceptID, name string) error
}

// =========== Redis Name Cache ===========

// RedisNameCache keeps concept names in Redis under "concept-name:<uuid>".
type RedisNameCache struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisNameCache connects to the Redis server at redisURL
// (redis://[:password@]host:port/db) and verifies it answers.
func NewRedisNameCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisNameCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisNameCache{rdb: rdb, ttl: ttl, prefix: "concept-name:"}, nil
}

func (c *RedisNameCache) GetName(ctx context.Context, conceptID string) (string, bool, error) {
	name, err := c.rdb.Get(ctx, c.prefix+conceptID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (c *RedisNameCache) SetName(ctx context.Context, conceptID, name string) error {
	return c.rdb.Set(ctx, c.prefix+conceptID, name, c.ttl).Err()
}

// Close releases the Redis connection pool.
func (c *RedisNameCache) Close() error {
	return c.rdb.Close()
}

// =========== Cached Namer ===========

// CachedNamer serves name lookups from a cache and falls back to the
// wrapped Namer. Cache failures are logged and never fail a lookup.
type CachedNamer struct {
	next   Namer
	cache  NameCache
	logger zerolog.Logger
}

// NewCachedNamer wraps next with cache.
func NewCachedNamer(next Namer, cache NameCache, logger zerolog.Logger) *CachedNamer {
	return &CachedNamer{next: next, cache: cache, logger: logger}
}

// ResolveConceptName implements Namer.
func (n *CachedNamer) ResolveConceptName(ctx context.Context, conceptID string) (string, error) {
	name, ok, err := n.cache.GetName(ctx, conceptID)
	if err != nil {
		n.logger.Warn().Err(err).Str("concept", conceptID).Msg("concept name cache read failed")
	}
	if ok {
		return name, nil
	}

	name, err = n.next.ResolveConceptName(ctx, conceptID)
	if err != nil {
		return "", err
	}
	if err := n.cache.SetName(ctx, conceptID, name); err != nil {
		n.logger.Warn().Err(err).Str("concept", conceptID).Msg("concept name cache write failed")
	}
	return name, nil
}

// cachedSource pairs a Searcher with a cached Namer.
type cachedSource struct {
	Searcher
	*CachedNamer
}

// WithNameCache returns src with its name lookups served through cache.
func WithNameCache(src Source, cache NameCache, logger zerolog.Logger) Source {
	return cachedSource{Searcher: src, CachedNamer: NewCachedNamer(src, cache, logger)}
}
