package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func testClient() *transport.Client {
	p := transport.NoRetry()
	p.CallTimeout = 2 * time.Second
	return transport.NewClient(2*time.Second, p)
}

func TestBraveSearch(t *testing.T) {
	var gotQuery, gotToken, gotFreshness string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotFreshness = r.URL.Query().Get("freshness")
		gotToken = r.Header.Get("X-Subscription-Token")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{"results": []map[string]any{
				{"title": "<strong>Mixture</strong> of experts", "url": "https://arxiv.org/abs/2601.00001", "description": "A <strong>paper</strong>", "page_age": "2026-10-15T00:00:00"},
				{"title": "No url"},
				{"title": "Repo", "url": "https://github.com/org/moe", "description": "code", "age": "3 days ago"},
			}},
		})
	}))
	defer srv.Close()

	b := NewBrave("key", srv.URL, testClient())
	b.now = func() time.Time { return fixedNow }
	res, err := b.Search(context.Background(), Query{Text: "site:arxiv.org moe", Type: retrieval.SourceArxiv, FreshnessDays: 7}, 5)
	require.NoError(t, err)
	assert.Equal(t, "site:arxiv.org moe", gotQuery)
	assert.Equal(t, "key", gotToken)
	assert.Equal(t, "2026-10-12to2026-10-19", gotFreshness)
	require.Len(t, res, 2)
	assert.Equal(t, 1.0, res[0].Score)
	assert.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), res[0].PublishedAt)
	assert.Equal(t, fixedNow.AddDate(0, 0, -3), res[1].PublishedAt)
	assert.Less(t, res[1].Score, res[0].Score)
}

func TestSerperSearch(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"organic": []map[string]any{
			{"title": "Launch", "link": "https://techcrunch.com/2026/10/18/launch", "snippet": "launched", "date": "1 day ago", "position": 1},
			{"title": "Thread", "link": "https://www.reddit.com/r/LocalLLaMA/x", "snippet": "tips", "position": 2},
		}})
	}))
	defer srv.Close()

	s := NewSerper("key", srv.URL, testClient())
	s.now = func() time.Time { return fixedNow }
	res, err := s.Search(context.Background(), Query{Text: "ai launch", Type: retrieval.SourceNews, FreshnessDays: 5}, 10)
	require.NoError(t, err)
	assert.Equal(t, "qdr:w", body["tbs"])
	assert.EqualValues(t, 10, body["num"])
	require.Len(t, res, 2)
	assert.Equal(t, fixedNow.AddDate(0, 0, -1), res[0].PublishedAt)
	assert.True(t, res[1].PublishedAt.IsZero())
	assert.Equal(t, 0.5, res[1].Score)
}

func TestClassify(t *testing.T) {
	cases := map[string]retrieval.SourceType{
		"https://arxiv.org/pdf/2401.1":            retrieval.SourceArxiv,
		"https://gist.github.com/a/b":             retrieval.SourceGitHub,
		"https://huggingface.co/meta/llama":       retrieval.SourceHuggingFace,
		"https://x.com/karpathy/status/1":         retrieval.SourceTwitter,
		"https://www.reddit.com/r/MachineLearning": retrieval.SourceReddit,
		"https://techcrunch.com/post":             retrieval.SourceNews,
		"https://someone.substack.com/p/post":     retrieval.SourceBlogs,
		"https://blog.example.org/post":           retrieval.SourceBlogs,
	}
	for u, want := range cases {
		assert.Equal(t, want, Classify(u, retrieval.SourceOther), u)
	}
	assert.Equal(t, retrieval.SourceNews, Classify("https://unknown.example/a", retrieval.SourceNews))
	assert.Equal(t, retrieval.SourceOther, Classify("https://unknown.example/a", ""))
}

func TestDedupeKeepsHigherScore(t *testing.T) {
	got := Dedupe([][]Result{
		{{URL: "https://example.com/a?utm_source=x", Score: 0.2, Title: "low"}, {URL: "https://example.com/b", Score: 0.9}},
		{{URL: "https://example.com/a", Score: 0.7, Title: "high"}, {URL: ""}},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].Title)
	assert.Equal(t, "https://example.com/b", got[1].URL)

	got = Dedupe([][]Result{
		{{URL: "http://www.x.com/a/", Score: 0.4, Title: "www"}},
		{{URL: "https://x.com/a", Score: 0.6, Title: "bare"}, {URL: "https://x.com/a/b", Score: 0.1}},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "bare", got[0].Title)
	assert.Equal(t, "https://x.com/a/b", got[1].URL)
}

func TestDiversifyRoundRobin(t *testing.T) {
	in := []Result{
		{URL: "n1", Score: 0.9, Type: retrieval.SourceNews},
		{URL: "n2", Score: 0.8, Type: retrieval.SourceNews},
		{URL: "n3", Score: 0.7, Type: retrieval.SourceNews},
		{URL: "g1", Score: 0.5, Type: retrieval.SourceGitHub},
		{URL: "r1", Score: 0.4, Type: retrieval.SourceReddit},
	}
	got := Diversify(in, 4)
	var urls []string
	for _, r := range got {
		urls = append(urls, r.URL)
	}
	assert.Equal(t, []string{"n1", "g1", "r1", "n2"}, urls)
	assert.Len(t, Diversify(in, 10), 5)
}

type scriptedProvider struct {
	calls int32
	fail  map[string]bool
	res   map[string][]Result
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Search(_ context.Context, q Query, _ int) ([]Result, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.fail[q.Text] {
		return nil, errors.New("quota")
	}
	return p.res[q.Text], nil
}

func TestServiceToleratesPartialFailure(t *testing.T) {
	p := &scriptedProvider{
		fail: map[string]bool{"bad": true},
		res: map[string][]Result{"good": {
			{URL: "https://github.com/a/b", Title: "<b>Repo</b>", Snippet: "fast &amp; small", Score: 1},
		}},
	}
	svc := NewService(p, 5, nil)
	res, err := svc.Search(context.Background(), []Query{{Text: "bad"}, {Text: "good", Type: retrieval.SourceBlogs}}, 8)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Repo", res[0].Title)
	assert.Equal(t, "fast & small", res[0].Snippet)
	assert.Equal(t, retrieval.SourceGitHub, res[0].Type)
	assert.EqualValues(t, 2, p.calls)
}

func TestServiceAllQueriesFail(t *testing.T) {
	p := &scriptedProvider{fail: map[string]bool{"a": true, "b": true}}
	_, err := NewService(p, 5, nil).Search(context.Background(), []Query{{Text: "a"}, {Text: "b"}}, 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrFetch)
}

func TestStaticProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`results:
  - url: https://arxiv.org/abs/1
    title: Sparse attention paper
    snippet: sparse attention for long context
    published_at: "2026-10-01"
  - url: https://github.com/org/repo
    title: Attention kernels
    snippet: fused kernels
`), 0o644))
	corpus, err := LoadCorpus(path)
	require.NoError(t, err)
	require.Len(t, corpus, 2)
	assert.Equal(t, retrieval.SourceArxiv, corpus[0].Type)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), corpus[0].PublishedAt)

	res, err := NewStatic(corpus).Search(context.Background(), Query{Text: "sparse attention", Type: retrieval.SourceArxiv}, 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "https://arxiv.org/abs/1", res[0].URL)

	stub, err := Stub().Search(context.Background(), Query{Text: "x", Type: retrieval.SourceNews}, 3)
	require.NoError(t, err)
	assert.Len(t, stub, 3)
}

func TestBuild(t *testing.T) {
	p, err := Build(config.SourcesConfig{Provider: "brave"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())

	p, err = Build(config.SourcesConfig{Provider: "serper", SerperAPIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "serper", p.Name())

	_, err = Build(config.SourcesConfig{Provider: "bing"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestParseAge(t *testing.T) {
	assert.Equal(t, fixedNow.Add(-5*time.Hour), parseAge("5 hours ago", fixedNow))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), parseAge("Oct 1, 2026", fixedNow))
	assert.True(t, parseAge("sometime", fixedNow).IsZero())
}
