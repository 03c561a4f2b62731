package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// tableReranker scores texts from a fixed table.
type tableReranker struct {
	mu     sync.Mutex
	scores map[string]float64
	calls  int
	err    error
}

func (r *tableReranker) Rerank(_ context.Context, _ string, texts []string) ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]float64, len(texts))
	for i, t := range texts {
		out[i] = r.scores[t]
	}
	return out, nil
}

type failingEmbedder struct{ err error }

func (f failingEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, f.err }
func (f failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

// batchEmbedder fails only the batch calls, after the query embed succeeded.
type batchEmbedder struct {
	inference.Embedder
	batches int
	mu      sync.Mutex
}

func (b *batchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.mu.Lock()
	b.batches++
	b.mu.Unlock()
	return b.Embedder.EmbedBatch(ctx, texts)
}

func chunk(doc string, start, end int, typ SourceType, text string) DocumentChunk {
	return DocumentChunk{
		ID:         fmt.Sprintf("%s-%d", doc, start),
		DocumentID: doc,
		Text:       text,
		Span:       Span{start, end},
		Source:     SourceMeta{URL: "https://" + doc, Title: doc, Type: typ},
	}
}

func TestRankTransformerEfficiencyScenario(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	scores := []float64{0.91, 0.88, 0.75, 0.6, 0.55, 0.5, 0.42, 0.3, 0.2, 0.1}
	rr := &tableReranker{scores: map[string]float64{}}
	var chunks []DocumentChunk
	for i, s := range scores {
		text := fmt.Sprintf("transformer efficiency finding number %d", i)
		rr.scores[text] = s
		chunks = append(chunks, chunk(fmt.Sprintf("doc%d", i), 0, 5, SourceNews, text))
	}
	// overlaps the best chunk of doc0 and must not come back separately
	dup := chunk("doc0", 3, 8, SourceNews, "number 0 extra words more")
	rr.scores[dup.Text] = 0.9
	chunks = append(chunks, dup)

	emb := &batchEmbedder{Embedder: inference.NewHashEmbedder(64)}
	r := NewRanker(emb, rr, RankerConfig{RecallTopN: 11, BatchSize: 3, Concurrency: 2, MaxWindowTokens: 20}, nil)
	res, err := r.Rank(context.Background(), "transformer efficiency", chunks, 3)
	require.NoError(t, err)

	require.Len(t, res.Chunks, 3)
	assert.Equal(t, []float64{0.91, 0.88, 0.75}, []float64{res.Chunks[0].CombinedScore, res.Chunks[1].CombinedScore, res.Chunks[2].CombinedScore})
	assert.Equal(t, "doc0", res.Chunks[0].Chunk.DocumentID)
	assert.Equal(t, Span{0, 8}, res.Chunks[0].Chunk.Span)
	assert.Equal(t, "transformer efficiency finding number 0 extra words more", res.Chunks[0].Chunk.Text)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, StageOK, res.Recall)
	assert.Equal(t, StageOK, res.Precision)
	assert.False(t, res.Degraded())
	assert.Equal(t, 4, emb.batches, "11 chunks in batches of 3")
	assert.Equal(t, 4, rr.calls)
}

func TestRankFallsBackToRecallWhenRerankerFails(t *testing.T) {
	rr := &tableReranker{err: errors.New("cross-encoder down")}
	chunks := []DocumentChunk{
		chunk("a", 0, 4, SourceNews, "bread baking at home"),
		chunk("b", 0, 4, SourceArxiv, "sparse attention transformer efficiency"),
		chunk("c", 0, 4, SourceGitHub, "transformer kernels"),
	}
	r := NewRanker(inference.NewHashEmbedder(128), rr, RankerConfig{RecallTopN: 3}, nil)
	res, err := r.Rank(context.Background(), "transformer efficiency", chunks, 2)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, res.Precision)
	assert.True(t, res.Degraded())
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "b", res.Chunks[0].Chunk.DocumentID)
	for _, c := range res.Chunks {
		assert.Equal(t, c.RecallScore, c.CombinedScore)
		assert.Zero(t, c.PrecisionScore)
	}
}

func TestRankUsesLexicalCandidatesWhenEmbedderFails(t *testing.T) {
	rr := &tableReranker{scores: map[string]float64{
		"sparse attention transformer efficiency": 0.8,
		"bread baking at home":                    0.1,
	}}
	chunks := []DocumentChunk{
		chunk("a", 0, 4, SourceNews, "bread baking at home"),
		chunk("b", 0, 4, SourceArxiv, "sparse attention transformer efficiency"),
	}
	r := NewRanker(failingEmbedder{err: errors.New("embedder down")}, rr, RankerConfig{RecallTopN: 1}, nil)
	res, err := r.Rank(context.Background(), "transformer efficiency", chunks, 1)
	require.NoError(t, err)
	assert.Equal(t, StageFallback, res.Recall)
	assert.Equal(t, StageOK, res.Precision)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "b", res.Chunks[0].Chunk.DocumentID)
	assert.InDelta(t, 0.8, res.Chunks[0].CombinedScore, 1e-9)
}

func TestRankUnavailableWhenBothStagesFail(t *testing.T) {
	r := NewRanker(failingEmbedder{err: errors.New("embedder down")}, &tableReranker{err: errors.New("reranker down")}, RankerConfig{}, nil)
	_, err := r.Rank(context.Background(), "q", []DocumentChunk{chunk("a", 0, 1, SourceNews, "x")}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrRankingUnavailable)
	assert.Equal(t, failure.ReasonRankingUnavailable, failure.ReasonOf(err))
}

func TestRankEmptyInput(t *testing.T) {
	r := NewRanker(inference.NewHashEmbedder(8), &tableReranker{}, RankerConfig{}, nil)
	res, err := r.Rank(context.Background(), "q", nil, 3)
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
	assert.Equal(t, StageSkipped, res.Recall)
}

func TestRankPrefersUnrepresentedSourceTypeOnTies(t *testing.T) {
	rr := &tableReranker{scores: map[string]float64{"n1": 0.9, "n2": 0.5, "r1": 0.5, "g1": 0.5}}
	chunks := []DocumentChunk{
		chunk("n1", 0, 1, SourceNews, "n1"),
		chunk("n2", 0, 1, SourceNews, "n2"),
		chunk("r1", 0, 1, SourceReddit, "r1"),
		chunk("g1", 0, 1, SourceGitHub, "g1"),
	}
	r := NewRanker(inference.NewHashEmbedder(16), rr, RankerConfig{RecallTopN: 4}, nil)
	res, err := r.Rank(context.Background(), "q", chunks, 3)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 3)
	assert.Equal(t, SourceNews, res.Chunks[0].Chunk.Source.Type)
	assert.NotEqual(t, SourceNews, res.Chunks[1].Chunk.Source.Type)
	assert.NotEqual(t, SourceNews, res.Chunks[2].Chunk.Source.Type)
}

func TestRankDropsOverlapThatWouldExceedWindow(t *testing.T) {
	rr := &tableReranker{scores: map[string]float64{"a b c d": 0.9, "c d e f": 0.8}}
	chunks := []DocumentChunk{
		chunk("d", 0, 4, SourceNews, "a b c d"),
		chunk("d", 2, 6, SourceNews, "c d e f"),
	}
	r := NewRanker(inference.NewHashEmbedder(16), rr, RankerConfig{MaxWindowTokens: 4}, nil)
	res, err := r.Rank(context.Background(), "q", chunks, 5)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "a b c d", res.Chunks[0].Chunk.Text)
	assert.Equal(t, 1, res.Dropped)
}

// Scores never increase by position and no two results overlap within a document.
func TestRankOrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		c, err := NewChunker(3+rng.Intn(6), rng.Intn(3), nil)
		require.NoError(t, err)
		var chunks []DocumentChunk
		for d := 0; d < 1+rng.Intn(4); d++ {
			chunks = append(chunks, c.Chunk(Document{ID: fmt.Sprintf("d%d", d), Text: words(5 + rng.Intn(40)), Type: SourceTypes[rng.Intn(len(SourceTypes))]})...)
		}
		rr := &tableReranker{scores: map[string]float64{}}
		for _, ch := range chunks {
			rr.scores[ch.Text] = float64(rng.Intn(5)) / 4
		}
		r := NewRanker(inference.NewHashEmbedder(16), rr, RankerConfig{RecallTopN: 20, MaxWindowTokens: rng.Intn(20)}, nil)
		k := 1 + rng.Intn(8)
		res, err := r.Rank(context.Background(), "w1 w2", chunks, k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res.Chunks), k)
		for i := range res.Chunks {
			if i > 0 {
				assert.LessOrEqual(t, res.Chunks[i].CombinedScore, res.Chunks[i-1].CombinedScore)
			}
			for j := 0; j < i; j++ {
				a, b := res.Chunks[i].Chunk, res.Chunks[j].Chunk
				if a.DocumentID == b.DocumentID {
					assert.False(t, a.Span.Overlaps(b.Span), "overlap in %s: %v %v", a.DocumentID, a.Span, b.Span)
				}
			}
		}
	}
}
