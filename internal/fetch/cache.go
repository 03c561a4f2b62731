package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CachedFetcher stores successful results in redis keyed by canonical URL.
// Failures are never cached.
type CachedFetcher struct {
	inner  Fetcher
	rdb    redis.Cmdable
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedFetcher wraps inner with a redis cache.
func NewCachedFetcher(inner Fetcher, rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedFetcher{inner: inner, rdb: rdb, ttl: ttl, logger: logger.Named("fetch.cache")}
}

func cacheKey(url string) string { return "fetch:" + helpers.URLKey(url) }

// Fetch shares one fetch between concurrent callers of the same URL. As in
// CachedEmbedder, the shared call outlives a cancelled caller.
func (c *CachedFetcher) Fetch(ctx context.Context, url string) (Result, error) {
	key := cacheKey(url)
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		raw, err := c.rdb.Get(shared, key).Bytes()
		switch {
		case err == nil:
			var res Result
			if jerr := json.Unmarshal(raw, &res); jerr == nil {
				telemetry.CacheRequests.WithLabelValues("fetch", "hit").Inc()
				res.FromCache = true
				return res, nil
			}
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("fetch cache read failed", zap.Error(err))
		}
		telemetry.CacheRequests.WithLabelValues("fetch", "miss").Inc()
		res, err := c.inner.Fetch(shared, url)
		if err != nil {
			return res, err
		}
		if b, jerr := json.Marshal(res); jerr == nil {
			if serr := c.rdb.Set(shared, key, b, c.ttl).Err(); serr != nil {
				c.logger.Warn("fetch cache write failed", zap.Error(serr))
			}
		}
		return res, nil
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	}
}
