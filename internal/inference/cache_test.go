package inference

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type countingEmbedder struct {
	inner Embedder
	calls int32
	texts int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&c.calls, 1)
	atomic.AddInt32(&c.texts, 1)
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&c.calls, 1)
	atomic.AddInt32(&c.texts, int32(len(texts)))
	return c.inner.EmbedBatch(ctx, texts)
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestCachedEmbedderServesRepeatsFromRedis(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()
	inner := &countingEmbedder{inner: NewHashEmbedder(32)}
	c := NewCachedEmbedder(inner, rdb, "hash-32", time.Minute, nil)

	first, err := c.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.texts))

	second, err := c.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&inner.texts), "only gamma should reach the backend")
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, first[1], second[0])

	v, err := c.Embed(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, second[1], v)
	assert.Equal(t, int32(3), atomic.LoadInt32(&inner.texts))
}

type gatedEmbedder struct {
	started chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (g *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return []float32{1, 0}, nil
	case <-ctx.Done():
		g.ctxErr.Store(ctx.Err())
		return nil, ctx.Err()
	}
}

func (g *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func TestCachedEmbedderCancelledCallerDoesNotFailOthers(t *testing.T) {
	// nothing listens on port 1, so every cache access is a logged miss
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	inner := &gatedEmbedder{started: make(chan struct{}, 4), release: make(chan struct{})}
	c := NewCachedEmbedder(inner, rdb, "gated", time.Minute, nil)

	cancelled, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Embed(cancelled, "shared text")
		firstErr <- err
	}()
	<-inner.started

	type result struct {
		vec []float32
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := c.Embed(context.Background(), "shared text")
		second <- result{v, err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(inner.release)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, []float32{1, 0}, r.vec)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Nil(t, inner.ctxErr.Load(), "backend call must not see the caller's cancellation")
}
