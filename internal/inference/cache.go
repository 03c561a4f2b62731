package inference

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CachedEmbedder memoises vectors in redis keyed by model and text hash.
// Concurrent misses for the same text share one backend call.
type CachedEmbedder struct {
	inner  Embedder
	rdb    redis.Cmdable
	model  string
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedEmbedder wraps inner with a redis cache.
func NewCachedEmbedder(inner Embedder, rdb redis.Cmdable, model string, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{inner: inner, rdb: rdb, model: model, ttl: ttl, logger: logger}
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha1.Sum([]byte(text))
	return "emb:" + c.model + ":" + hex.EncodeToString(sum[:])
}

// Embed shares one backend call between concurrent callers of the same
// text. The shared call ignores any single caller's cancellation; each
// caller stops waiting when its own ctx ends.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if vec, ok := c.get(shared, key); ok {
			return vec, nil
		}
		vec, err := c.inner.Embed(shared, text)
		if err != nil {
			return nil, err
		}
		c.set(shared, map[string][]float32{key: vec})
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]float32), nil
	}
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) (out [][]float32, err error) {
	ctx, span := telemetry.StartSpan(ctx, "embedder.EmbedBatch", attribute.Int("batch.size", len(texts)))
	defer func() { telemetry.EndSpan(span, err) }()

	if len(texts) == 0 {
		return nil, nil
	}
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}
	out = make([][]float32, len(texts))
	cached, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("embedding cache read failed", zap.Error(err))
		cached = nil
	}
	var missIdx []int
	var missTexts []string
	for i := range texts {
		if i < len(cached) {
			if s, ok := cached[i].(string); ok {
				var vec []float32
				if json.Unmarshal([]byte(s), &vec) == nil {
					out[i] = vec
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	telemetry.CacheRequests.WithLabelValues("embedding", "hit").Add(float64(len(texts) - len(missIdx)))
	telemetry.CacheRequests.WithLabelValues("embedding", "miss").Add(float64(len(missIdx)))
	span.SetAttributes(attribute.Int("cache.misses", len(missIdx)))
	if len(missIdx) == 0 {
		return out, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, errors.New("embedder returned mismatched batch")
	}
	toStore := make(map[string][]float32, len(missIdx))
	for j, i := range missIdx {
		out[i] = fresh[j]
		toStore[keys[i]] = fresh[j]
	}
	c.set(ctx, toStore)
	return out, nil
}

func (c *CachedEmbedder) get(ctx context.Context, key string) ([]float32, bool) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("embedding cache read failed", zap.Error(err))
		}
		telemetry.CacheRequests.WithLabelValues("embedding", "miss").Inc()
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(b, &vec); err != nil {
		return nil, false
	}
	telemetry.CacheRequests.WithLabelValues("embedding", "hit").Inc()
	return vec, true
}

func (c *CachedEmbedder) set(ctx context.Context, entries map[string][]float32) {
	pipe := c.rdb.Pipeline()
	for key, vec := range entries {
		b, err := json.Marshal(vec)
		if err != nil {
			continue
		}
		pipe.Set(ctx, key, b, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// cache write failures never fail the caller
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}
}
