// Package scheduler runs configured digest questions on a cron schedule.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lockPrefix  = "sched:lock:"
	lastPrefix  = "sched:last:"
	lockTTL     = 2 * time.Minute
	defaultTick = time.Minute
)

// Answerer runs one digest question.
type Answerer interface {
	Answer(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

// Result is delivered to the sink after every digest run.
type Result struct {
	Digest   config.DigestEntry
	Response pipeline.Response
	Err      error
	Started  time.Time
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSink receives every digest result.
func WithSink(fn func(Result)) Option {
	return func(s *Scheduler) { s.sink = fn }
}

// Scheduler fires digests when their cron expression is due. With redis
// the last run time and a per-digest lock are shared between instances.
type Scheduler struct {
	cfg      config.SchedulerConfig
	answerer Answerer
	rdb      *redis.Client
	logger   *zap.Logger
	now      func() time.Time
	sink     func(Result)

	mu   sync.Mutex
	last map[string]time.Time
	wg   sync.WaitGroup
}

func New(cfg config.SchedulerConfig, a Answerer, rdb *redis.Client, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg,
		answerer: a,
		rdb:      rdb,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run ticks until ctx is cancelled and waits for in-flight digests.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = defaultTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Int("digests", len(s.cfg.Digests)), zap.Duration("interval", interval))
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every due digest and returns how many were started.
func (s *Scheduler) Tick(ctx context.Context) int {
	started := 0
	now := s.now()
	for _, d := range s.cfg.Digests {
		last := s.lastRun(ctx, d.ID)
		if !isDue(d.Cron, last, now) {
			continue
		}
		if !s.lock(ctx, d.ID) {
			s.logger.Debug("digest locked elsewhere", zap.String("digest", d.ID))
			continue
		}
		s.markRun(ctx, d.ID, now)
		started++
		s.wg.Add(1)
		go func(d config.DigestEntry) {
			defer s.wg.Done()
			defer s.unlock(d.ID)
			s.run(ctx, d, now)
		}(d)
	}
	return started
}

// Wait blocks until started digests finish.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) run(ctx context.Context, d config.DigestEntry, started time.Time) {
	resp, err := s.answerer.Answer(ctx, pipeline.Request{Question: d.Question})
	if err != nil {
		s.logger.Warn("digest failed", zap.String("digest", d.ID), zap.Error(err))
	} else {
		s.logger.Info("digest answered",
			zap.String("digest", d.ID),
			zap.String("run_id", resp.RunID),
			zap.Int("bullets", len(resp.Bullets)),
			zap.Float64("coverage", resp.Coverage),
			zap.Bool("low_confidence", resp.LowConfidence))
	}
	if s.sink != nil {
		s.sink(Result{Digest: d, Response: resp, Err: err, Started: started})
	}
}

func (s *Scheduler) lastRun(ctx context.Context, id string) *time.Time {
	if s.rdb != nil {
		v, err := s.rdb.Get(ctx, lastPrefix+id).Result()
		if err == nil {
			if sec, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				t := time.Unix(sec, 0).UTC()
				return &t
			}
		} else if err != redis.Nil {
			s.logger.Warn("read last run", zap.String("digest", id), zap.Error(err))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.last[id]; ok {
		return &t
	}
	return nil
}

func (s *Scheduler) markRun(ctx context.Context, id string, at time.Time) {
	s.mu.Lock()
	s.last[id] = at
	s.mu.Unlock()
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, lastPrefix+id, at.Unix(), 0).Err(); err != nil {
			s.logger.Warn("store last run", zap.String("digest", id), zap.Error(err))
		}
	}
}

// lock takes the distributed lock for a digest. Without redis, and when
// redis is unreachable, the digest runs locally.
func (s *Scheduler) lock(ctx context.Context, id string) bool {
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, lockPrefix+id, "1", lockTTL).Result()
	if err != nil {
		s.logger.Warn("scheduler lock unavailable", zap.String("digest", id), zap.Error(err))
		return true
	}
	return ok
}

func (s *Scheduler) unlock(id string) {
	if s.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.rdb.Del(ctx, lockPrefix+id).Err()
}

// isDue reports whether a digest with cronSpec should run at now given its
// last run. Supports "@daily", "@hourly" and standard cron expressions;
// an invalid expression is treated as @daily. A digest that never ran is due.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	switch cronSpec {
	case "@daily", "":
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return now.Sub(*last) >= 24*time.Hour
		}
		next := expr.Next(*last)
		return !next.IsZero() && !next.After(now)
	}
}
