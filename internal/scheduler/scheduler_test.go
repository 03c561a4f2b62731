package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/goleak"
)

type recordingAnswerer struct {
	mu        sync.Mutex
	questions []string
	err       error
}

func (r *recordingAnswerer) Answer(_ context.Context, req pipeline.Request) (pipeline.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions = append(r.questions, req.Question)
	return pipeline.Response{RunID: fmt.Sprintf("run-%d", len(r.questions)), Question: req.Question, Coverage: 1}, r.err
}

func (r *recordingAnswerer) asked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.questions...)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { t := now.Add(-d); return &t }

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"never ran", "@daily", nil, true},
		{"daily not yet", "@daily", ago(23 * time.Hour), false},
		{"daily due", "@daily", ago(24 * time.Hour), true},
		{"hourly due", "@hourly", ago(61 * time.Minute), true},
		{"hourly not yet", "@hourly", ago(30 * time.Minute), false},
		{"cron passed", "0 9 * * *", ago(2 * time.Hour), true},
		{"cron ahead", "0 10 * * *", ago(2 * time.Hour), false},
		{"invalid falls back to daily", "not a cron", ago(2 * time.Hour), false},
		{"empty is daily", "", ago(25 * time.Hour), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isDue(tc.spec, tc.last, now))
		})
	}
}

func TestTickRunsDueDigestsOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &clock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	a := &recordingAnswerer{}
	var mu sync.Mutex
	var results []Result
	s := New(config.SchedulerConfig{Digests: []config.DigestEntry{
		{ID: "rag", Cron: "@daily", Question: "what is new in retrieval augmented generation"},
		{ID: "agents", Cron: "@hourly", Question: "agent framework releases this week"},
	}}, a, nil, nil, WithClock(clk.now), WithSink(func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}))

	ctx := context.Background()
	assert.Equal(t, 2, s.Tick(ctx))
	s.Wait()
	assert.ElementsMatch(t, []string{"what is new in retrieval augmented generation", "agent framework releases this week"}, a.asked())
	require.Len(t, results, 2)

	assert.Zero(t, s.Tick(ctx), "nothing is due again immediately")

	clk.t = clk.t.Add(90 * time.Minute)
	assert.Equal(t, 1, s.Tick(ctx), "only the hourly digest")
	s.Wait()
	assert.Len(t, a.asked(), 3)
}

func TestFailedDigestReachesSink(t *testing.T) {
	a := &recordingAnswerer{err: failure.Newf(failure.ReasonFetch, "search", "no results")}
	var got Result
	s := New(config.SchedulerConfig{Digests: []config.DigestEntry{{ID: "x", Question: "quiet topic"}}}, a, nil, nil,
		WithSink(func(r Result) { got = r }))
	s.Tick(context.Background())
	s.Wait()
	assert.ErrorIs(t, got.Err, failure.ErrFetch)
	assert.Equal(t, "x", got.Digest.ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	a := &recordingAnswerer{}
	s := New(config.SchedulerConfig{Interval: 10 * time.Millisecond, Digests: []config.DigestEntry{{ID: "x", Question: "quiet topic"}}}, a, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(a.asked()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Len(t, a.asked(), 1, "@daily digest runs once")
}

func TestRedisLockSharedBetweenInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	defer func() { _ = c.Terminate(ctx) }()
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer rdb.Close()

	clk := &clock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	cfg := config.SchedulerConfig{Digests: []config.DigestEntry{{ID: "rag", Cron: "@daily", Question: "what is new in rag"}}}
	a := &recordingAnswerer{}
	first := New(cfg, a, rdb, nil, WithClock(clk.now))
	second := New(cfg, a, rdb, nil, WithClock(clk.now))

	assert.Equal(t, 1, first.Tick(ctx))
	first.Wait()
	assert.Zero(t, second.Tick(ctx), "last run is shared through redis")

	require.NoError(t, rdb.Set(ctx, lockPrefix+"rag", "1", time.Minute).Err())
	clk.t = clk.t.Add(25 * time.Hour)
	assert.Zero(t, second.Tick(ctx), "held lock blocks the run")
	require.NoError(t, rdb.Del(ctx, lockPrefix+"rag").Err())
	assert.Equal(t, 1, second.Tick(ctx))
	second.Wait()
	assert.Len(t, a.asked(), 2)
}
