// Package inference provides the embedding (recall) and cross-encoder
// (precision) model capabilities used by the ranker, plus the process-wide
// registry that holds the loaded backends.
package inference

import (
	"context"
	"math"
)

// Embedder maps text into a dense vector space shared by queries and chunks.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Reranker jointly scores (query, text) pairs. Scores are returned in
// input order; higher is more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
