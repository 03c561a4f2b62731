package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Models is the set of loaded model backends shared read-only across runs.
type Models struct {
	Embedder Embedder
	Reranker Reranker
}

var (
	registryMu sync.RWMutex
	registry   *Models
)

// ErrAlreadyInitialized is returned by Init when models are already loaded.
var ErrAlreadyInitialized = errors.New("inference models already initialized")

// Init installs the process-wide models. It must be called once at startup.
func Init(m Models) error {
	if m.Embedder == nil || m.Reranker == nil {
		return errors.New("inference: embedder and reranker are required")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry != nil {
		return ErrAlreadyInitialized
	}
	registry = &m
	return nil
}

// Default returns the process-wide models.
func Default() (Models, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if registry == nil {
		return Models{}, false
	}
	return *registry, true
}

// Reset tears the registry down so tests or a reload can call Init again.
func Reset() {
	registryMu.Lock()
	registry = nil
	registryMu.Unlock()
}

// Build constructs the configured backends without installing them.
// rdb may be nil, in which case embeddings are not cached.
func Build(ctx context.Context, cfg config.InferenceConfig, rdb redis.Cmdable, logger *zap.Logger) (Models, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := transport.PolicyFromConfig(cfg.Retry)

	var emb Embedder
	model := cfg.Embedder.Model
	switch cfg.Embedder.Type {
	case "openai":
		client := transport.NewClient(cfg.Embedder.Timeout, policy,
			transport.WithRateLimit(cfg.Embedder.RateLimit), transport.WithLogger(logger.Named("embedder")))
		e, err := NewOpenAIEmbedder(cfg.Embedder.BaseURL, cfg.Embedder.APIKey, model, client)
		if err != nil {
			return Models{}, err
		}
		emb = e
	case "gemini":
		e, err := NewGenAIEmbedder(ctx, cfg.Embedder.APIKey, model)
		if err != nil {
			return Models{}, err
		}
		emb = e
	case "hash", "":
		emb = NewHashEmbedder(cfg.Embedder.Dimensions)
		model = fmt.Sprintf("hash-%d", cfg.Embedder.Dimensions)
	default:
		return Models{}, fmt.Errorf("inference: unknown embedder type %q", cfg.Embedder.Type)
	}
	if rdb != nil && cfg.CacheTTL > 0 {
		emb = NewCachedEmbedder(emb, rdb, cfg.Embedder.Type+":"+model, cfg.CacheTTL, logger.Named("embedding_cache"))
	}

	var rr Reranker
	switch cfg.Reranker.Type {
	case "http":
		client := transport.NewClient(cfg.Reranker.Timeout, policy,
			transport.WithRateLimit(cfg.Reranker.RateLimit), transport.WithLogger(logger.Named("reranker")))
		rr = NewHTTPReranker(cfg.Reranker.BaseURL, cfg.Reranker.APIKey, client)
	case "lexical", "":
		rr = LexicalReranker{}
	default:
		return Models{}, fmt.Errorf("inference: unknown reranker type %q", cfg.Reranker.Type)
	}
	return Models{Embedder: emb, Reranker: rr}, nil
}
