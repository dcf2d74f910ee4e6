package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QueryCache stores query embeddings keyed by model and query text.
type QueryCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

type LocalCache struct {
	c *gocache.Cache
}

func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{c: gocache.New(ttl, 2*ttl)}
}

func (l *LocalCache) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (l *LocalCache) Set(_ context.Context, key string, vec []float32) {
	l.c.SetDefault(key, vec)
}

// RedisCache shares query embeddings across relay instances. Failures are
// logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("query cache get failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (r *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		r.log.Warn("query cache set failed", zap.Error(err))
	}
}

// CachedEmbedder memoizes EmbedQuery. Document embeddings are not cached.
type CachedEmbedder struct {
	Embedder
	cache QueryCache
}

func NewCachedEmbedder(inner Embedder, cache QueryCache) *CachedEmbedder {
	return &CachedEmbedder{Embedder: inner, cache: cache}
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.Model(), text)
	if vec, ok := c.cache.Get(ctx, key); ok {
		return vec, nil
	}
	vec, err := c.Embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, key, vec)
	return vec, nil
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "doctalk:qemb:" + model + ":" + hex.EncodeToString(sum[:])
}
