// Package search discovers candidate sources for a question through a web
// search provider and trims the merged result list to a diverse set.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"github.com/mohammad-safakhou/askace/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Query is one planned search against a source type.
type Query struct {
	Text          string               `json:"query"`
	Type          retrieval.SourceType `json:"source_type"`
	FreshnessDays int                  `json:"freshness_days,omitempty"`
	Rationale     string               `json:"rationale,omitempty"`
}

// Result is one search engine hit.
type Result struct {
	URL         string               `json:"url"`
	Title       string               `json:"title"`
	Snippet     string               `json:"snippet"`
	Score       float64              `json:"score"`
	Type        retrieval.SourceType `json:"source_type"`
	PublishedAt time.Time            `json:"published_at,omitempty"`
}

// Provider runs a single query.
type Provider interface {
	Name() string
	Search(ctx context.Context, q Query, k int) ([]Result, error)
}

var ErrUnsupportedProvider = errors.New("unsupported search provider")

// Build creates the configured provider. A web provider without an API key
// degrades to the stub provider so the service still starts offline.
func Build(cfg config.SourcesConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := transport.DefaultRetryPolicy
	policy.MaxAttempts = 2
	client := transport.NewClient(cfg.Timeout, policy, transport.WithRateLimit(cfg.RateLimit), transport.WithLogger(logger.Named("search")))
	switch strings.ToLower(cfg.Provider) {
	case "brave":
		if cfg.BraveAPIKey == "" {
			logger.Warn("brave api key not set, using stub search results")
			return Stub(), nil
		}
		return NewBrave(cfg.BraveAPIKey, "", client), nil
	case "serper":
		if cfg.SerperAPIKey == "" {
			logger.Warn("serper api key not set, using stub search results")
			return Stub(), nil
		}
		return NewSerper(cfg.SerperAPIKey, "", client), nil
	case "static", "stub", "":
		return Stub(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
}

// Service fans planned queries out to a provider, merges duplicates and
// limits the result list with source-type diversity.
type Service struct {
	provider    Provider
	perQuery    int
	concurrency int
	logger      *zap.Logger
}

// NewService builds a Service. perQuery bounds results requested per query.
func NewService(p Provider, perQuery int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if perQuery <= 0 {
		perQuery = 10
	}
	return &Service{provider: p, perQuery: perQuery, concurrency: 4, logger: logger.Named("search")}
}

// Search runs every query and returns at most topK diverse results. It
// fails only when every query failed.
func (s *Service) Search(ctx context.Context, queries []Query, topK int) (out []Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "search",
		attribute.String("provider", s.provider.Name()),
		attribute.Int("queries", len(queries)))
	defer func() { telemetry.EndSpan(span, err) }()

	if len(queries) == 0 {
		return nil, nil
	}
	perQuery := make([][]Result, len(queries))
	errs := make([]error, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, q := range queries {
		g.Go(func() error {
			res, err := s.provider.Search(gctx, q, s.perQuery)
			if err != nil {
				s.logger.Warn("search query failed", zap.String("query", q.Text), zap.Error(err))
				errs[i] = err
				return nil
			}
			for j := range res {
				res[j].Snippet = helpers.PlainText(res[j].Snippet)
				res[j].Title = helpers.PlainText(res[j].Title)
				res[j].Type = Classify(res[j].URL, q.Type)
			}
			perQuery[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, failure.New(failure.ReasonTimeout, "search", ctx.Err())
	}

	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	if failed == len(queries) {
		return nil, failure.New(failure.ReasonFetch, "search", errors.Join(errs...))
	}
	return Diversify(Dedupe(perQuery), topK), nil
}

// Dedupe merges results by canonical URL, keeping the higher-scoring
// duplicate. Order of first appearance is preserved.
func Dedupe(groups [][]Result) []Result {
	index := map[string]int{}
	var out []Result
	for _, g := range groups {
		for _, r := range g {
			if strings.TrimSpace(r.URL) == "" {
				continue
			}
			key := helpers.URLKey(r.URL)
			if i, ok := index[key]; ok {
				if r.Score > out[i].Score {
					out[i] = r
				}
				continue
			}
			index[key] = len(out)
			out = append(out, r)
		}
	}
	return out
}

// Diversify picks topK results round-robin across source types. Each pass
// visits types in order of their best remaining score.
func Diversify(results []Result, topK int) []Result {
	if topK <= 0 || len(results) <= topK {
		return results
	}
	buckets := map[retrieval.SourceType][]Result{}
	var types []retrieval.SourceType
	for _, r := range results {
		if _, ok := buckets[r.Type]; !ok {
			types = append(types, r.Type)
		}
		buckets[r.Type] = append(buckets[r.Type], r)
	}
	for _, t := range types {
		b := buckets[t]
		sort.SliceStable(b, func(i, j int) bool { return b[i].Score > b[j].Score })
	}

	out := make([]Result, 0, topK)
	for len(out) < topK {
		sort.SliceStable(types, func(i, j int) bool {
			return head(buckets[types[i]]) > head(buckets[types[j]])
		})
		progressed := false
		for _, t := range types {
			if len(buckets[t]) == 0 {
				continue
			}
			out = append(out, buckets[t][0])
			buckets[t] = buckets[t][1:]
			progressed = true
			if len(out) == topK {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

func head(b []Result) float64 {
	if len(b) == 0 {
		return -1
	}
	return b[0].Score
}
