package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/fetch"
	"github.com/mohammad-safakhou/askace/internal/inference"
	"github.com/mohammad-safakhou/askace/internal/llm"
	"github.com/mohammad-safakhou/askace/internal/planner"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/search"
	"github.com/mohammad-safakhou/askace/internal/synth"
	"github.com/mohammad-safakhou/askace/internal/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type fixedSearcher struct {
	results []search.Result
	queries []search.Query
}

func (s *fixedSearcher) Search(_ context.Context, qs []search.Query, topK int) ([]search.Result, error) {
	s.queries = qs
	if len(s.results) > topK {
		return s.results[:topK], nil
	}
	return s.results, nil
}

type blockingSearcher struct{}

func (blockingSearcher) Search(ctx context.Context, _ []search.Query, _ int) ([]search.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// pageFetcher serves pages by URL; unknown URLs fail.
type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]fetch.Result
	calls int
}

func (f *pageFetcher) Fetch(_ context.Context, url string) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	page, ok := f.pages[url]
	if !ok {
		return fetch.Result{}, failure.Newf(failure.ReasonFetch, "fetch "+url, "status 503")
	}
	return page, nil
}

type countingGenerator struct {
	mu    sync.Mutex
	out   string
	calls int
}

func (g *countingGenerator) Generate(_ context.Context, role llm.Role, _ llm.Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if role != llm.RoleSynthesizer {
		return "", errors.New("unexpected role " + string(role))
	}
	g.calls++
	return g.out, nil
}

var corpus = []search.Result{
	{URL: "https://arxiv.org/abs/2601.00001", Title: "Sparse Attention", Snippet: "sparse attention paper", Type: retrieval.SourceArxiv, Score: 1},
	{URL: "https://github.com/org/sparse", Title: "sparse kernels", Snippet: "fused kernels", Type: retrieval.SourceGitHub, Score: 0.5},
	{URL: "https://techcrunch.com/2026/10/18/sparse", Title: "Sparse attention startup", Snippet: "Startup launches a sparse attention inference service.", Type: retrieval.SourceNews, Score: 0.33},
}

func pages() map[string]fetch.Result {
	return map[string]fetch.Result{
		"https://arxiv.org/abs/2601.00001": {
			URL:   "https://arxiv.org/abs/2601.00001",
			Title: "Sparse Attention",
			Text:  "Sparse attention cuts memory by 40 percent while keeping accuracy on long context benchmarks.",
		},
		"https://github.com/org/sparse": {
			URL:   "https://github.com/org/sparse",
			Title: "sparse kernels",
			Text:  "The repository ships fused CUDA kernels for sparse attention training and inference.",
		},
	}
}

const twoBullets = "- Sparse attention cuts memory by 40 percent [1]\n- Fused CUDA kernels speed up sparse attention [2]"

type fixture struct {
	searcher Searcher
	fetcher  fetch.Fetcher
	synth    Synthesizer
	validate Validator
	store    playbook.Store
	cfg      Config
}

func newPipeline(t *testing.T, fx fixture) *Pipeline {
	t.Helper()
	chunker, err := retrieval.NewChunker(220, 60, nil)
	require.NoError(t, err)
	emb := inference.NewHashEmbedder(128)
	if fx.validate == nil {
		fx.validate = validate.New(validate.Config{MinCoverage: 0.95, SupportFloor: 0.2}, emb, nil)
	}
	if fx.cfg.MinCoverage == 0 {
		fx.cfg.MinCoverage = 0.95
	}
	windows := ace.Windows{Days: map[retrieval.SourceType]int{retrieval.SourceNews: 10}, BufferDays: 2}
	st := Stages{
		Planner: planner.New(planner.Config{Types: map[retrieval.SourceType]planner.TypeConfig{
			retrieval.SourceArxiv: {QueryBase: "site:arxiv.org", FreshnessDays: 30},
		}}, fx.store, nil),
		Searcher:    fx.searcher,
		Fetcher:     fx.fetcher,
		Chunker:     chunker,
		Ranker:      retrieval.NewRanker(emb, inference.LexicalReranker{}, retrieval.RankerConfig{RecallTopN: 20}, nil),
		Synthesizer: fx.synth,
		Validator:   fx.validate,
		Windows:     windows,
	}
	if fx.store != nil {
		st.Reflector = ace.NewReflector(ace.ReflectorConfig{
			MinCoverage:        0.95,
			FreshnessThreshold: 0.6,
			MinSourceTypes:     2,
			Windows:            windows,
		}, nil, ace.WithReflectorClock(func() time.Time { return fixedNow }))
		st.Curator = ace.NewCurator(fx.store, ace.CuratorConfig{DedupThreshold: 0.8, DensityGain: 0.1}, nil)
		fx.cfg.Learn = true
	}
	p := New(fx.cfg, st, nil)
	p.now = func() time.Time { return fixedNow }
	return p
}

func realSynth(gen llm.Generator) Synthesizer {
	return synth.New(gen, synth.Config{MaxBullets: 7, MinBullets: 2, DensityThreshold: 0, MaxRefinements: 1}, nil)
}

func TestAnswerHappyPath(t *testing.T) {
	gen := &countingGenerator{out: twoBullets}
	fetcher := &pageFetcher{pages: pages()}
	p := newPipeline(t, fixture{
		searcher: &fixedSearcher{results: corpus},
		fetcher:  fetcher,
		synth:    realSynth(gen),
		store:    playbook.NewMemoryStore(),
	})

	resp, err := p.Answer(context.Background(), Request{Question: "  Which paper introduced sparse attention?  "})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "Which paper introduced sparse attention?", resp.Question)
	require.Len(t, resp.Bullets, 2)
	for _, b := range resp.Bullets {
		assert.NotEmpty(t, b.Citations)
	}
	assert.Len(t, resp.Sources, 3)
	assert.Equal(t, 1.0, resp.Coverage)
	assert.False(t, resp.LowConfidence)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 3, fetcher.calls)

	m := resp.Metadata
	assert.Equal(t, 3, m.SearchResults)
	assert.Equal(t, 3, m.Documents)
	assert.Equal(t, 1, m.FetchFailures)
	assert.Equal(t, 3, m.Chunks)
	assert.True(t, m.Validated)
	assert.False(t, m.Resynthesized)
	assert.False(t, m.TimedOut)
	assert.Equal(t, 1, m.Generations)
	assert.Equal(t, []retrieval.SourceType{retrieval.SourceArxiv, retrieval.SourceGitHub, retrieval.SourceNews}, m.RetrievedTypes)
	assert.Equal(t, 2, m.CitedCount())
	for _, stage := range []string{"plan", "search", "fetch", "chunk", "rank", "synthesize", "validate", "reflect"} {
		assert.Contains(t, m.StageTimings, stage)
	}
	require.NotNil(t, resp.Learning)
	assert.Empty(t, resp.Learning.Error)

	md := resp.Markdown()
	assert.Contains(t, md, "- Sparse attention cuts memory by 40 percent [1]")
	assert.Contains(t, md, "Sources:\n[1] ")
}

func TestAnswerUsesSnippetWhenFetchFails(t *testing.T) {
	gen := &countingGenerator{out: "- A startup launched a sparse attention service [1]"}
	p := newPipeline(t, fixture{
		searcher: &fixedSearcher{results: corpus[2:]},
		fetcher:  &pageFetcher{},
		synth:    realSynth(gen),
	})
	resp, err := p.Answer(context.Background(), Request{Question: "sparse attention startup news"})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, corpus[2].URL, resp.Sources[0].URL)
	assert.Equal(t, 1, resp.Metadata.FetchFailures)
	assert.Nil(t, resp.Learning)
}

func TestAnswerFailsWhenNothingFetched(t *testing.T) {
	results := []search.Result{{URL: "https://example.com/a", Title: "A"}, {URL: "https://example.com/b", Title: "B"}}
	p := newPipeline(t, fixture{
		searcher: &fixedSearcher{results: results},
		fetcher:  &pageFetcher{},
		synth:    realSynth(&countingGenerator{out: twoBullets}),
	})
	_, err := p.Answer(context.Background(), Request{Question: "anything at all"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrFetch)
}

func TestAnswerRejectsInvalidRequests(t *testing.T) {
	p := newPipeline(t, fixture{searcher: &fixedSearcher{}, fetcher: &pageFetcher{}, synth: realSynth(&countingGenerator{})})
	_, err := p.Answer(context.Background(), Request{Question: " hi "})
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
	_, err = p.Answer(context.Background(), Request{Question: "valid question", MaxSources: 21})
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
	_, err = p.Answer(context.Background(), Request{Question: "valid question", MaxSources: -1})
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
}

func TestRequestNormalize(t *testing.T) {
	req, err := Request{Question: "  what is new  "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "what is new", req.Question)
	assert.Equal(t, DefaultMaxSources, req.MaxSources)
	assert.True(t, req.UsePlaybook())

	off := false
	assert.False(t, Request{IncludePlaybook: &off}.UsePlaybook())
}

func TestAnswerMaxSourcesLimitsResults(t *testing.T) {
	s := &fixedSearcher{results: corpus}
	p := newPipeline(t, fixture{
		searcher: s,
		fetcher:  &pageFetcher{pages: pages()},
		synth:    realSynth(&countingGenerator{out: "- Sparse attention cuts memory by 40 percent [1]"}),
	})
	resp, err := p.Answer(context.Background(), Request{Question: "sparse attention memory", MaxSources: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Metadata.SearchResults)
	assert.NotEmpty(t, s.queries)
	assert.Equal(t, len(s.queries), resp.Queries)
}

func TestAnswerFreshOnlyDropsStaleResults(t *testing.T) {
	results := []search.Result{
		{URL: "https://techcrunch.com/old", Title: "Old launch", Snippet: "An old launch of sparse attention.", Type: retrieval.SourceNews, PublishedAt: fixedNow.AddDate(0, 0, -60)},
		{URL: "https://techcrunch.com/new", Title: "New launch", Snippet: "A new launch of sparse attention.", Type: retrieval.SourceNews, PublishedAt: fixedNow.AddDate(0, 0, -2)},
	}
	p := newPipeline(t, fixture{
		searcher: &fixedSearcher{results: results},
		fetcher:  &pageFetcher{},
		synth:    realSynth(&countingGenerator{out: "- A new sparse attention launch [1]"}),
	})
	resp, err := p.Answer(context.Background(), Request{Question: "sparse attention launch", FreshOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Metadata.SearchResults)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "https://techcrunch.com/new", resp.Sources[0].URL)
	assert.Equal(t, 1, resp.Metadata.Freshness.Fresh)
}

func TestAnswerTimesOut(t *testing.T) {
	p := newPipeline(t, fixture{
		searcher: blockingSearcher{},
		fetcher:  &pageFetcher{},
		synth:    realSynth(&countingGenerator{}),
		cfg:      Config{RunTimeout: 20 * time.Millisecond},
	})
	resp, err := p.Answer(context.Background(), Request{Question: "slow question"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrTimeout)
	assert.Equal(t, failure.ReasonTimeout, failure.ReasonOf(err))
	assert.True(t, resp.Metadata.TimedOut)
	assert.False(t, resp.Metadata.Validated)
}

// scriptedSynth and scriptedValidator replay fixed outputs per call.
type scriptedSynth struct {
	answers []synth.Answer
	errs    []error
	calls   int
}

func (s *scriptedSynth) Synthesize(context.Context, string, []retrieval.RankedChunk, ...synth.Option) (synth.Answer, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return synth.Answer{Calls: 1}, s.errs[i]
	}
	return s.answers[min(i, len(s.answers)-1)], nil
}

type scriptedValidator struct {
	reports []validate.Report
	calls   int
}

func (v *scriptedValidator) Validate(context.Context, []synth.AnswerBullet, []synth.SourceRef, []retrieval.RankedChunk) validate.Report {
	r := v.reports[min(v.calls, len(v.reports)-1)]
	v.calls++
	return r
}

func lowCoverage(c float64) validate.Report {
	return validate.Report{Coverage: c, Issues: []validate.Issue{{Severity: validate.SeverityFail, Code: validate.CodeLowCoverage, BulletIndex: -1, Score: c}}}
}

func answer(text string) synth.Answer {
	return synth.Answer{
		Bullets: []synth.AnswerBullet{{Text: text, Citations: []int{1}}},
		Sources: []synth.SourceRef{{Label: 1, URL: corpus[0].URL, Title: corpus[0].Title, Type: retrieval.SourceArxiv}},
		Calls:   1,
	}
}

func TestAnswerResynthesizesOnLowCoverage(t *testing.T) {
	sy := &scriptedSynth{answers: []synth.Answer{answer("first"), answer("second")}}
	v := &scriptedValidator{reports: []validate.Report{lowCoverage(0.5), {Coverage: 1, Passed: true}}}
	p := newPipeline(t, fixture{searcher: &fixedSearcher{results: corpus}, fetcher: &pageFetcher{pages: pages()}, synth: sy, validate: v})

	resp, err := p.Answer(context.Background(), Request{Question: "sparse attention memory"})
	require.NoError(t, err)
	assert.Equal(t, 2, sy.calls)
	assert.Equal(t, "second", resp.Bullets[0].Text)
	assert.Equal(t, 1.0, resp.Coverage)
	assert.False(t, resp.LowConfidence)
	assert.True(t, resp.Metadata.Resynthesized)
	assert.Equal(t, 2, resp.Metadata.Generations)
	assert.Contains(t, resp.Metadata.StageTimings, "resynthesize")
}

func TestAnswerKeepsBetterAnswerWhenRetryIsWorse(t *testing.T) {
	sy := &scriptedSynth{answers: []synth.Answer{answer("first"), answer("second")}}
	v := &scriptedValidator{reports: []validate.Report{lowCoverage(0.6), lowCoverage(0.4)}}
	p := newPipeline(t, fixture{searcher: &fixedSearcher{results: corpus}, fetcher: &pageFetcher{pages: pages()}, synth: sy, validate: v})

	resp, err := p.Answer(context.Background(), Request{Question: "sparse attention memory"})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Bullets[0].Text)
	assert.InDelta(t, 0.6, resp.Coverage, 1e-9)
	assert.True(t, resp.LowConfidence)
}

func TestAnswerKeepsFirstAnswerWhenRetryFails(t *testing.T) {
	sy := &scriptedSynth{answers: []synth.Answer{answer("first")}, errs: []error{nil, failure.Newf(failure.ReasonGeneration, "generate", "all providers failed")}}
	v := &scriptedValidator{reports: []validate.Report{lowCoverage(0.6)}}
	p := newPipeline(t, fixture{searcher: &fixedSearcher{results: corpus}, fetcher: &pageFetcher{pages: pages()}, synth: sy, validate: v})

	resp, err := p.Answer(context.Background(), Request{Question: "sparse attention memory"})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Bullets[0].Text)
	assert.True(t, resp.LowConfidence)
	assert.Equal(t, 1, v.calls)
}

func TestAnswerDraftFailureFailsRun(t *testing.T) {
	sy := &scriptedSynth{errs: []error{failure.Newf(failure.ReasonGeneration, "generate", "quota")}}
	p := newPipeline(t, fixture{searcher: &fixedSearcher{results: corpus}, fetcher: &pageFetcher{pages: pages()}, synth: sy})
	_, err := p.Answer(context.Background(), Request{Question: "sparse attention memory"})
	assert.ErrorIs(t, err, failure.ErrGeneration)
}

func TestAnswerCuratesMissingSourceRule(t *testing.T) {
	store := playbook.NewMemoryStore()
	p := newPipeline(t, fixture{
		searcher: &fixedSearcher{results: corpus[1:2]},
		fetcher:  &pageFetcher{pages: pages()},
		synth:    realSynth(&countingGenerator{out: "- Fused CUDA kernels speed up sparse attention [1]"}),
		store:    store,
	})
	resp, err := p.Answer(context.Background(), Request{Question: "which paper introduced sparse attention kernels"})
	require.NoError(t, err)
	require.NotNil(t, resp.Learning)
	require.NotNil(t, resp.Learning.Merge)

	content := "When the question mentions arxiv, add an explicit site filter for arxiv to the search queries."
	id := playbook.ItemID(playbook.TypeSourceRule, content)
	assert.Contains(t, resp.Learning.Merge.Inserted, id)

	items, err := store.Query(context.Background(), "arxiv")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, content, items[0].Content)
	assert.Zero(t, items[0].Helpful)
}

// staleSnapshotStore answers queries but hides its items from snapshots,
// so any reinforcement targets a missing item.
type staleSnapshotStore struct{ *playbook.MemoryStore }

func (staleSnapshotStore) Snapshot(context.Context) (playbook.Snapshot, error) {
	return playbook.Snapshot{Items: map[string]playbook.Item{}}, nil
}

func TestAnswerSurvivesMergeConflict(t *testing.T) {
	rule := playbook.Item{
		ID:      playbook.ItemID(playbook.TypeValidationRule, "Every bullet must cite at least one source."),
		Type:    playbook.TypeValidationRule,
		Content: "Every bullet must cite at least one source.",
		Tags:    []string{"citations"},
		Version: 1,
	}
	store := staleSnapshotStore{playbook.NewMemoryStore(rule)}
	p := newPipeline(t, fixture{
		searcher: &fixedSearcher{results: corpus},
		fetcher:  &pageFetcher{pages: pages()},
		synth:    realSynth(&countingGenerator{out: twoBullets}),
		store:    store,
	})
	resp, err := p.Answer(context.Background(), Request{Question: "which paper introduced sparse attention"})
	require.NoError(t, err)
	require.Len(t, resp.Metadata.AppliedItems, 1)
	require.NotNil(t, resp.Learning)
	assert.Nil(t, resp.Learning.Merge)
	assert.True(t, strings.Contains(resp.Learning.Error, "merge conflict"), resp.Learning.Error)
	assert.NotEmpty(t, resp.Learning.Deltas)
}
