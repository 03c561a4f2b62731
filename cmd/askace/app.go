package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/fetch"
	"github.com/mohammad-safakhou/askace/internal/inference"
	"github.com/mohammad-safakhou/askace/internal/logging"
	"github.com/mohammad-safakhou/askace/internal/pipeline"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/search"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app carries what every command loads first.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	rdb    *redis.Client
	store  playbook.Store
}

func loadApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.General)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// connectRedis opens the shared redis client when one is configured. An
// unreachable redis is logged and the process runs without caches.
func (a *app) connectRedis(ctx context.Context) *redis.Client {
	rc := a.cfg.Storage.Redis
	if !rc.Enabled() {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        rc.Addr(),
		Password:    rc.Password,
		DB:          rc.DB,
		DialTimeout: rc.Timeout,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		a.logger.Warn("redis unavailable, running without caches", zap.String("addr", rc.Addr()), zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	a.rdb = rdb
	return rdb
}

func (a *app) openStore(ctx context.Context) (playbook.Store, error) {
	s, err := playbook.Open(ctx, a.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open playbook store: %w", err)
	}
	a.store = s
	return s, nil
}

// pipeline wires the answer pipeline. Offline runs search a static corpus,
// answer from snippets and score with the hashed embedder and lexical
// reranker, so no network backend is contacted.
func (a *app) pipeline(ctx context.Context, offline bool, corpus string) (*pipeline.Pipeline, error) {
	var opts []pipeline.BuildOption
	if offline {
		var results []search.Result
		if corpus != "" {
			var err error
			if results, err = search.LoadCorpus(corpus); err != nil {
				return nil, err
			}
		}
		opts = append(opts,
			pipeline.WithSearchProvider(search.NewStatic(results)),
			pipeline.WithFetcher(snippetOnly{}),
			pipeline.WithModels(inference.Models{
				Embedder: inference.NewHashEmbedder(a.cfg.Inference.Embedder.Dimensions),
				Reranker: inference.LexicalReranker{},
			}),
		)
	}
	var rdb redis.Cmdable
	if a.rdb != nil {
		rdb = a.rdb
	}
	return pipeline.Build(ctx, a.cfg, a.store, rdb, a.logger, opts...)
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close playbook store", zap.Error(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	_ = a.logger.Sync()
}

// snippetOnly refuses every fetch so the pipeline answers from search
// snippets.
type snippetOnly struct{}

func (snippetOnly) Fetch(_ context.Context, url string) (fetch.Result, error) {
	return fetch.Result{}, failure.New(failure.ReasonFetch, "fetch "+url, errOffline)
}

var errOffline = errors.New("offline mode")
