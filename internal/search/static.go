package search

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/mohammad-safakhou/askace/internal/inference"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"gopkg.in/yaml.v3"
)

// Static serves results from a fixed corpus. With an empty corpus it
// returns placeholder hits so the pipeline can run without any API key.
type Static struct {
	corpus []Result
}

// NewStatic builds a provider over corpus.
func NewStatic(corpus []Result) *Static { return &Static{corpus: corpus} }

// Stub returns a provider with no corpus.
func Stub() *Static { return &Static{} }

func (s *Static) Name() string { return "static" }

func (s *Static) Search(_ context.Context, q Query, k int) ([]Result, error) {
	if len(s.corpus) == 0 {
		return placeholders(q, k), nil
	}
	terms := map[string]struct{}{}
	for _, t := range inference.Terms(q.Text) {
		terms[t] = struct{}{}
	}
	type hit struct {
		r       Result
		overlap int
	}
	var hits []hit
	for _, r := range s.corpus {
		if q.Type != "" && q.Type != retrieval.SourceOther && r.Type != "" && r.Type != q.Type {
			continue
		}
		n := 0
		for _, t := range inference.Terms(r.Title + " " + r.Snippet) {
			if _, ok := terms[t]; ok {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{r: r, overlap: n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].overlap > hits[j].overlap })
	var out []Result
	for i, h := range hits {
		if i >= k {
			break
		}
		r := h.r
		if r.Type == "" {
			r.Type = q.Type
		}
		if r.Score == 0 {
			r.Score = rankScore(i)
		}
		out = append(out, r)
	}
	return out, nil
}

func placeholders(q Query, k int) []Result {
	out := make([]Result, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, Result{
			URL:     fmt.Sprintf("https://example.com/%d?%s", i, url.Values{"q": {q.Text}}.Encode()),
			Title:   fmt.Sprintf("Placeholder result %d for %s", i, q.Text),
			Snippet: "No search API key configured. This is a placeholder result.",
			Score:   rankScore(i),
			Type:    q.Type,
		})
	}
	return out
}

type corpusFile struct {
	Results []struct {
		URL         string `yaml:"url"`
		Title       string `yaml:"title"`
		Snippet     string `yaml:"snippet"`
		Type        string `yaml:"source_type"`
		PublishedAt string `yaml:"published_at"`
	} `yaml:"results"`
}

// LoadCorpus reads a YAML file of canned search results.
func LoadCorpus(path string) ([]Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var f corpusFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	out := make([]Result, 0, len(f.Results))
	for i, r := range f.Results {
		if r.URL == "" {
			return nil, fmt.Errorf("corpus %s: result %d has no url", path, i)
		}
		res := Result{URL: r.URL, Title: r.Title, Snippet: r.Snippet, Type: Classify(r.URL, retrieval.ParseSourceType(r.Type))}
		if r.Type != "" {
			res.Type = retrieval.ParseSourceType(r.Type)
		}
		if r.PublishedAt != "" {
			t, err := time.Parse(time.DateOnly, r.PublishedAt)
			if err != nil {
				return nil, fmt.Errorf("corpus %s: result %d: %w", path, i, err)
			}
			res.PublishedAt = t
		}
		out = append(out, res)
	}
	return out, nil
}
