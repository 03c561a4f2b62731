package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/fetch"
	"github.com/mohammad-safakhou/askace/internal/inference"
	"github.com/mohammad-safakhou/askace/internal/llm"
	"github.com/mohammad-safakhou/askace/internal/planner"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/search"
	"github.com/mohammad-safakhou/askace/internal/synth"
	"github.com/mohammad-safakhou/askace/internal/validate"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BuildOption overrides a collaborator Build would otherwise construct
// from configuration.
type BuildOption func(*buildOptions)

type buildOptions struct {
	provider  search.Provider
	fetcher   fetch.Fetcher
	generator llm.Generator
	models    *inference.Models
}

// WithSearchProvider replaces the configured search provider.
func WithSearchProvider(p search.Provider) BuildOption {
	return func(o *buildOptions) { o.provider = p }
}

// WithFetcher replaces the configured fetcher.
func WithFetcher(f fetch.Fetcher) BuildOption {
	return func(o *buildOptions) { o.fetcher = f }
}

// WithGenerator replaces the configured model router.
func WithGenerator(g llm.Generator) BuildOption {
	return func(o *buildOptions) { o.generator = g }
}

// WithModels uses the given inference models instead of the registry.
func WithModels(m inference.Models) BuildOption {
	return func(o *buildOptions) { o.models = &m }
}

// Build wires a Pipeline from configuration. store may be nil to run
// without a playbook; rdb may be nil to run without caches. Inference
// models are installed in the process registry on first use and shared
// by later pipelines.
func Build(ctx context.Context, cfg *config.Config, store playbook.Store, rdb redis.Cmdable, logger *zap.Logger, opts ...BuildOption) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	gen := o.generator
	if gen == nil {
		router, err := llm.Build(ctx, cfg.LLM, logger.Named("llm"))
		if err != nil {
			return nil, fmt.Errorf("build generator: %w", err)
		}
		gen = router
	}

	models, err := resolveModels(ctx, cfg.Inference, rdb, logger, o.models)
	if err != nil {
		return nil, err
	}

	provider := o.provider
	if provider == nil {
		if provider, err = search.Build(cfg.Sources, logger); err != nil {
			return nil, fmt.Errorf("build search provider: %w", err)
		}
	}
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = fetch.New(cfg.Fetch, rdb, logger)
	}

	chunker, err := retrieval.NewChunker(cfg.Retrieval.MaxTokens, cfg.Retrieval.Stride, retrieval.DefaultTokenizer)
	if err != nil {
		return nil, fmt.Errorf("build chunker: %w", err)
	}
	ranker := retrieval.NewRanker(models.Embedder, models.Reranker, retrieval.RankerConfig{
		RecallTopN:      cfg.Retrieval.RecallTopN,
		BatchSize:       cfg.Inference.BatchSize,
		Concurrency:     cfg.Inference.Concurrency,
		MaxWindowTokens: cfg.Retrieval.MaxWindowTokens,
	}, logger)

	var plannerOpts []planner.Option
	if cfg.ACE.UseLLM {
		plannerOpts = append(plannerOpts, planner.WithGenerator(gen))
	}
	st := Stages{
		Planner:     planner.New(planner.ConfigFrom(cfg.Sources, cfg.ACE), store, logger, plannerOpts...),
		Searcher:    search.NewService(provider, cfg.Sources.MaxResults, logger),
		Fetcher:     fetcher,
		Chunker:     chunker,
		Ranker:      ranker,
		Synthesizer: synth.New(gen, synth.ConfigFrom(cfg.Synth), logger),
		Validator:   validate.New(validate.ConfigFrom(cfg.Validation), models.Embedder, logger),
		Windows:     ace.WindowsFrom(cfg.ACE),
	}
	if store != nil {
		var reflectorOpts []ace.ReflectorOption
		if cfg.ACE.UseLLM {
			reflectorOpts = append(reflectorOpts, ace.WithGenerator(gen))
		}
		st.Reflector = ace.NewReflector(ace.ReflectorConfigFrom(cfg.ACE, cfg.Validation), logger, reflectorOpts...)
		st.Curator = ace.NewCurator(store, ace.CuratorConfigFrom(cfg.ACE), logger)
	}
	return New(ConfigFrom(cfg), st, logger), nil
}

func resolveModels(ctx context.Context, cfg config.InferenceConfig, rdb redis.Cmdable, logger *zap.Logger, override *inference.Models) (inference.Models, error) {
	if override != nil {
		return *override, nil
	}
	if m, ok := inference.Default(); ok {
		return m, nil
	}
	m, err := inference.Build(ctx, cfg, rdb, logger)
	if err != nil {
		return inference.Models{}, fmt.Errorf("build inference models: %w", err)
	}
	if err := inference.Init(m); err != nil {
		if !errors.Is(err, inference.ErrAlreadyInitialized) {
			return inference.Models{}, err
		}
		// Another pipeline won the race; share its models.
		m, _ = inference.Default()
	}
	return m, nil
}
