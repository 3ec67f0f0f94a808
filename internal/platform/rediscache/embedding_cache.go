// Package rediscache provides an optional Redis-backed embedding cache so
// repeated pipeline runs over the same policy text skip the embedding
// service. All operations are fail-soft: a Redis error is a cache miss.
package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/omnisure/policygraph/internal/platform/envutil"
	"github.com/omnisure/policygraph/internal/platform/logger"
)

type EmbeddingCache struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

// NewFromEnv returns (nil, nil) when REDIS_ADDR is unset; the pipeline then
// runs with the in-memory cache only.
func NewFromEnv(log *logger.Logger) (*EmbeddingCache, error) {
	if log == nil {
		return nil, fmt.Errorf("rediscache: logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:          envutil.Int("REDIS_DB", 0),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("rediscache: ping: %w", err)
	}

	ttl := time.Duration(envutil.Int("EMBED_CACHE_TTL_SECONDS", 7*24*3600)) * time.Second

	return &EmbeddingCache{
		log: log.With("client", "EmbeddingCache"),
		rdb: rdb,
		ttl: ttl,
	}, nil
}

// Key derives the cache key from the embedding model and normalized text, so
// a model change never serves stale vectors.
func Key(model, normalizedText string) string {
	h := sha256.Sum256([]byte(model + "\x00" + normalizedText))
	return "emb:" + hex.EncodeToString(h[:])
}

func (c *EmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("embedding cache read failed", "error", err)
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		c.log.Warn("embedding cache entry corrupt; ignoring", "key", key, "error", err)
		return nil, false
	}
	if len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (c *EmbeddingCache) Set(ctx context.Context, key string, vec []float32) {
	if c == nil || c.rdb == nil || len(vec) == 0 {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("embedding cache write failed", "error", err)
	}
}

func (c *EmbeddingCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// ModelCache is the per-model view handed to the concept graph: callers pass
// normalized text and the storage key is derived here.
type ModelCache struct {
	cache *EmbeddingCache
	model string
}

func (c *EmbeddingCache) ForModel(model string) *ModelCache {
	if c == nil {
		return nil
	}
	return &ModelCache{cache: c, model: strings.TrimSpace(model)}
}

func (m *ModelCache) Get(ctx context.Context, normalizedText string) ([]float32, bool) {
	if m == nil {
		return nil, false
	}
	return m.cache.Get(ctx, Key(m.model, normalizedText))
}

func (m *ModelCache) Set(ctx context.Context, normalizedText string, vec []float32) {
	if m == nil {
		return
	}
	m.cache.Set(ctx, Key(m.model, normalizedText), vec)
}
