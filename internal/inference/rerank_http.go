package inference

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/askace/internal/transport"
)

// HTTPReranker calls a text-embeddings-inference style /rerank endpoint
// serving a cross-encoder model.
type HTTPReranker struct {
	baseURL string
	apiKey  string
	http    *transport.Client
}

// NewHTTPReranker builds a reranker client for baseURL.
func NewHTTPReranker(baseURL, apiKey string, client *transport.Client) *HTTPReranker {
	return &HTTPReranker{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: client}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	body := map[string]any{"query": query, "texts": texts, "truncate": true}
	var headers map[string]string
	if r.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + r.apiKey}
	}
	if err := r.http.DoJSON(ctx, http.MethodPost, r.baseURL+"/rerank", headers, body, &resp); err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(resp) != len(texts) {
		return nil, fmt.Errorf("rerank: got %d scores for %d texts", len(resp), len(texts))
	}
	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, s := range resp {
		if s.Index < 0 || s.Index >= len(texts) || seen[s.Index] {
			return nil, fmt.Errorf("rerank: invalid index %d", s.Index)
		}
		seen[s.Index] = true
		scores[s.Index] = s.Score
	}
	return scores, nil
}
