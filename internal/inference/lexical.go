package inference

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve"
)

type lexicalDoc struct {
	Text string `json:"text"`
}

// LexicalScores indexes texts into an in-memory bleve index and scores
// each against query. Scores are normalised to [0,1] by the best hit;
// texts without a hit score 0.
func LexicalScores(query string, texts []string) ([]float64, error) {
	scores := make([]float64, len(texts))
	if len(texts) == 0 || strings.TrimSpace(query) == "" {
		return scores, nil
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("lexical index: %w", err)
	}
	defer index.Close()

	batch := index.NewBatch()
	for i, t := range texts {
		if err := batch.Index(strconv.Itoa(i), lexicalDoc{Text: t}); err != nil {
			return nil, fmt.Errorf("lexical index: %w", err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("lexical index: %w", err)
	}

	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, len(texts), 0, false)
	res, err := index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	var best float64
	for _, hit := range res.Hits {
		if hit.Score > best {
			best = hit.Score
		}
	}
	if best == 0 {
		return scores, nil
	}
	for _, hit := range res.Hits {
		i, err := strconv.Atoi(hit.ID)
		if err != nil || i < 0 || i >= len(texts) {
			continue
		}
		scores[i] = hit.Score / best
	}
	return scores, nil
}

// LexicalReranker scores pairs with bleve term matching. It stands in for a
// cross-encoder when no reranking service is configured.
type LexicalReranker struct{}

func (LexicalReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LexicalScores(query, texts)
}
