package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/inference"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RankerConfig tunes the recall/precision funnel.
type RankerConfig struct {
	// RecallTopN is how many candidates survive the recall stage.
	RecallTopN int
	// BatchSize bounds the texts sent per embedding or rerank call.
	BatchSize int
	// Concurrency caps in-flight model calls per stage.
	Concurrency int
	// MaxWindowTokens caps a merged window built from overlapping chunks.
	MaxWindowTokens int
}

func (c RankerConfig) withDefaults() RankerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Ranker scores chunks with a cheap embedding recall stage, then a
// cross-encoder precision stage over the surviving candidates.
type Ranker struct {
	embedder inference.Embedder
	reranker inference.Reranker
	cfg      RankerConfig
	tok      Tokenizer
	logger   *zap.Logger
}

// NewRanker builds a Ranker. logger may be nil.
func NewRanker(emb inference.Embedder, rr inference.Reranker, cfg RankerConfig, logger *zap.Logger) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		embedder: emb,
		reranker: rr,
		cfg:      cfg.withDefaults(),
		tok:      DefaultTokenizer,
		logger:   logger.Named("ranker"),
	}
}

// Rank returns at most k chunks ordered by combined score. When one model
// stage fails the other carries the ranking; when both fail the error
// matches failure.ErrRankingUnavailable.
func (r *Ranker) Rank(ctx context.Context, query string, chunks []DocumentChunk, k int) (res Ranking, err error) {
	ctx, span := telemetry.StartSpan(ctx, "ranker.Rank", attribute.Int("chunks", len(chunks)), attribute.Int("k", k))
	defer func() { telemetry.EndSpan(span, err) }()

	if k <= 0 || len(chunks) == 0 {
		return Ranking{Recall: StageSkipped, Precision: StageSkipped}, nil
	}
	res = Ranking{Recall: StageOK, Precision: StageOK}

	recall, recallErr := r.recall(ctx, query, chunks)
	if recallErr != nil {
		if ctx.Err() != nil {
			return Ranking{}, ctx.Err()
		}
		res.Recall = StageFailed
		telemetry.RankingDegraded.WithLabelValues("recall").Inc()
		r.logger.Warn("recall stage failed, selecting candidates lexically", zap.Error(recallErr))
		if lex, lexErr := inference.LexicalScores(query, chunkTexts(chunks)); lexErr == nil {
			recall = lex
			res.Recall = StageFallback
		} else {
			recall = make([]float64, len(chunks))
		}
	}

	cands := r.candidates(chunks, recall, k)
	res.Candidates = len(cands)

	precision, precErr := r.precision(ctx, query, cands)
	if precErr != nil {
		if ctx.Err() != nil {
			return Ranking{}, ctx.Err()
		}
		res.Precision = StageFailed
		telemetry.RankingDegraded.WithLabelValues("precision").Inc()
		if recallErr != nil {
			return Ranking{}, failure.New(failure.ReasonRankingUnavailable, "rank", errors.Join(recallErr, precErr))
		}
		r.logger.Warn("precision stage failed, ranking by recall only", zap.Error(precErr))
	}
	for i := range cands {
		if precErr == nil {
			cands[i].PrecisionScore = precision[i]
			cands[i].CombinedScore = precision[i]
		} else {
			cands[i].CombinedScore = cands[i].RecallScore
		}
	}
	sortByCombined(cands)

	windows, merged, dropped := r.window(cands)
	res.Merged, res.Dropped = merged, dropped
	res.Chunks = selectDiverse(windows, k)
	span.SetAttributes(
		attribute.String("recall", string(res.Recall)),
		attribute.String("precision", string(res.Precision)),
		attribute.Int("returned", len(res.Chunks)),
	)
	return res, nil
}

func (r *Ranker) recall(ctx context.Context, query string, chunks []DocumentChunk) ([]float64, error) {
	qv, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vecs := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for start := 0; start < len(chunks); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(chunks))
		g.Go(func() error {
			out, err := r.embedder.EmbedBatch(gctx, chunkTexts(chunks[start:end]))
			if err != nil {
				return fmt.Errorf("embed batch [%d,%d): %w", start, end, err)
			}
			if len(out) != end-start {
				return fmt.Errorf("embed batch [%d,%d): got %d vectors", start, end, len(out))
			}
			copy(vecs[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	scores := make([]float64, len(chunks))
	for i, v := range vecs {
		scores[i] = inference.Cosine(qv, v)
	}
	return scores, nil
}

// candidates keeps the top-N chunks by recall score; equal scores keep
// input order.
func (r *Ranker) candidates(chunks []DocumentChunk, recall []float64, k int) []RankedChunk {
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return recall[order[a]] > recall[order[b]] })
	n := r.cfg.RecallTopN
	if n <= 0 || n > len(chunks) {
		n = len(chunks)
	}
	if n < k {
		n = min(k, len(chunks))
	}
	out := make([]RankedChunk, n)
	for i := 0; i < n; i++ {
		out[i] = RankedChunk{Chunk: chunks[order[i]], RecallScore: recall[order[i]], RecallRank: i}
	}
	return out
}

func (r *Ranker) precision(ctx context.Context, query string, cands []RankedChunk) ([]float64, error) {
	scores := make([]float64, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for start := 0; start < len(cands); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(cands))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, c := range cands[start:end] {
				texts = append(texts, c.Chunk.Text)
			}
			out, err := r.reranker.Rerank(gctx, query, texts)
			if err != nil {
				return fmt.Errorf("rerank batch [%d,%d): %w", start, end, err)
			}
			if len(out) != end-start {
				return fmt.Errorf("rerank batch [%d,%d): got %d scores", start, end, len(out))
			}
			copy(scores[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// window walks chunks best-first and folds any chunk overlapping an already
// kept chunk of the same document into that chunk's window. A chunk that
// cannot be folded without exceeding MaxWindowTokens or touching a second
// kept window is dropped, so kept windows never overlap.
func (r *Ranker) window(sorted []RankedChunk) (out []RankedChunk, merged, dropped int) {
	byDoc := make(map[string][]int)
	for _, c := range sorted {
		doc := c.Chunk.DocumentID
		var hits []int
		for _, i := range byDoc[doc] {
			if out[i].Chunk.Span.Overlaps(c.Chunk.Span) {
				hits = append(hits, i)
			}
		}
		if len(hits) == 0 {
			byDoc[doc] = append(byDoc[doc], len(out))
			out = append(out, c)
			continue
		}
		if len(hits) == 1 {
			if w, ok := r.merge(out, byDoc[doc], hits[0], c); ok {
				out[hits[0]] = w
				merged++
				continue
			}
		}
		dropped++
	}
	return out, merged, dropped
}

func (r *Ranker) merge(kept []RankedChunk, siblings []int, target int, c RankedChunk) (RankedChunk, bool) {
	keep := kept[target]
	u := keep.Chunk.Span.Union(c.Chunk.Span)
	if u.Len() > r.cfg.MaxWindowTokens {
		return RankedChunk{}, false
	}
	for _, j := range siblings {
		if j != target && kept[j].Chunk.Span.Overlaps(u) {
			return RankedChunk{}, false
		}
	}
	tokens := make([]string, u.Len())
	fill := func(ch DocumentChunk) bool {
		toks := r.tok.Tokens(ch.Text)
		if len(toks) != ch.Span.Len() {
			return false
		}
		for i, t := range toks {
			pos := ch.Span.Start - u.Start + i
			if tokens[pos] == "" {
				tokens[pos] = t
			}
		}
		return true
	}
	if !fill(keep.Chunk) || !fill(c.Chunk) {
		return RankedChunk{}, false
	}
	keep.Chunk.Span = u
	keep.Chunk.Text = strings.Join(tokens, " ")
	return keep, true
}

// sortByCombined orders by combined score descending, then recall rank.
func sortByCombined(cs []RankedChunk) {
	sort.SliceStable(cs, func(a, b int) bool {
		if cs[a].CombinedScore != cs[b].CombinedScore {
			return cs[a].CombinedScore > cs[b].CombinedScore
		}
		return cs[a].RecallRank < cs[b].RecallRank
	})
}

// selectDiverse takes the first k chunks. Within a run of equal scores it
// prefers chunks whose source type is not yet represented.
func selectDiverse(sorted []RankedChunk, k int) []RankedChunk {
	out := make([]RankedChunk, 0, min(k, len(sorted)))
	seen := make(map[SourceType]bool)
	for i := 0; i < len(sorted) && len(out) < k; {
		j := i
		for j < len(sorted) && sorted[j].CombinedScore == sorted[i].CombinedScore {
			j++
		}
		group := append([]RankedChunk(nil), sorted[i:j]...)
		for len(group) > 0 && len(out) < k {
			pick := 0
			for g, c := range group {
				if !seen[c.Chunk.Source.Type] {
					pick = g
					break
				}
			}
			out = append(out, group[pick])
			seen[group[pick].Chunk.Source.Type] = true
			group = append(group[:pick], group[pick+1:]...)
		}
		i = j
	}
	return out
}

func chunkTexts(chunks []DocumentChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
