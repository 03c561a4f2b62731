// Package pipeline answers one question end to end. Stages run in strict
// order: plan, search, fetch, chunk, rank, synthesize and validate, with
// one stricter re-synthesis when validation fails. The run's telemetry is
// then reflected on and the proposed deltas are merged into the playbook.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/fetch"
	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/planner"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/search"
	"github.com/mohammad-safakhou/askace/internal/synth"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"github.com/mohammad-safakhou/askace/internal/validate"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Searcher runs a plan's queries and returns deduplicated results.
type Searcher interface {
	Search(ctx context.Context, queries []search.Query, topK int) ([]search.Result, error)
}

// Synthesizer drafts cited bullets from ranked evidence.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, ranked []retrieval.RankedChunk, opts ...synth.Option) (synth.Answer, error)
}

// Validator checks an answer's citation coverage.
type Validator interface {
	Validate(ctx context.Context, bullets []synth.AnswerBullet, sources []synth.SourceRef, evidence []retrieval.RankedChunk) validate.Report
}

// Config holds the run-level knobs.
type Config struct {
	TopK             int
	RunTimeout       time.Duration
	FetchConcurrency int
	MinCoverage      float64
	// Learn enables the reflect and curate steps.
	Learn        bool
	LearnTimeout time.Duration
}

// ConfigFrom reads the run settings from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TopK:             cfg.Retrieval.TopK,
		RunTimeout:       cfg.General.RunTimeout,
		FetchConcurrency: cfg.Fetch.Concurrency,
		MinCoverage:      cfg.Validation.MinCoverage,
		Learn:            cfg.ACE.Enabled,
		LearnTimeout:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 8
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 4
	}
	if c.LearnTimeout <= 0 {
		c.LearnTimeout = 30 * time.Second
	}
	return c
}

// Stages are the collaborators a Pipeline drives. Reflector and Curator
// may be nil, which disables learning.
type Stages struct {
	Planner     *planner.Planner
	Searcher    Searcher
	Fetcher     fetch.Fetcher
	Chunker     *retrieval.Chunker
	Ranker      *retrieval.Ranker
	Synthesizer Synthesizer
	Validator   Validator
	Reflector   *ace.Reflector
	Curator     *ace.Curator
	Windows     ace.Windows
}

// Pipeline is safe for concurrent use; runs share only the read-only
// models and the curator's serialized store writes.
type Pipeline struct {
	Stages
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New assembles a Pipeline from prepared stages.
func New(cfg Config, st Stages, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{Stages: st, cfg: cfg.withDefaults(), logger: logger.Named("pipeline"), now: time.Now}
}

// run carries the state one execution accumulates.
type run struct {
	req    Request
	meta   *ace.RunMetadata
	plan   planner.Plan
	issues []validate.Issue
	logger *zap.Logger
}

// Answer executes a run. A request that fails validation, a run where no
// document could be fetched, a ranking with both stages down and a failed
// draft all return typed failures. An answer whose coverage stays short
// after the re-synthesis is returned with LowConfidence set.
func (p *Pipeline) Answer(ctx context.Context, req Request) (resp Response, err error) {
	req, err = req.Normalize()
	if err != nil {
		telemetry.RunsTotal.WithLabelValues(string(failure.ReasonInvalidInput)).Inc()
		return Response{}, err
	}
	r := &run{req: req, meta: ace.NewRunMetadata(uuid.NewString(), req.Question, p.now())}
	r.meta.MinCoverage = p.cfg.MinCoverage
	r.logger = p.logger.With(zap.String("run_id", r.meta.RunID))

	ctx, span := telemetry.StartSpan(ctx, "pipeline.Answer", attribute.String("run_id", r.meta.RunID))
	defer func() {
		telemetry.EndSpan(span, err)
		outcome := "ok"
		switch {
		case err != nil:
			outcome = string(failure.ReasonOf(err))
		case resp.LowConfidence:
			outcome = "low_confidence"
		}
		telemetry.RunsTotal.WithLabelValues(outcome).Inc()
	}()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
	}
	defer cancel()

	resp, err = p.execute(runCtx, r)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			r.meta.TimedOut = true
			err = failure.New(failure.ReasonTimeout, "answer", err)
		}
		r.logger.Warn("run failed", zap.String("reason", string(failure.ReasonOf(err))), zap.Error(err))
		// Telemetry gathered up to a completed validation still feeds the loop.
		if r.meta.Validated {
			p.learn(ctx, r)
		}
		return Response{RunID: r.meta.RunID, Question: req.Question, Metadata: *r.meta}, err
	}
	resp.Learning = p.learn(ctx, r)
	resp.Metadata = *r.meta
	r.logger.Info("run completed",
		zap.Int("bullets", len(resp.Bullets)),
		zap.Float64("coverage", resp.Coverage),
		zap.Bool("low_confidence", resp.LowConfidence),
		zap.Duration("elapsed", p.now().Sub(r.meta.StartedAt)))
	return resp, nil
}

func (p *Pipeline) stage(r *run, name string, start time.Time) {
	r.meta.StageTimings[name] = telemetry.ObserveStage(name, start)
}

func (p *Pipeline) execute(ctx context.Context, r *run) (Response, error) {
	q := r.req.Question

	start := time.Now()
	plan, err := p.Planner.Plan(ctx, q, r.req.UsePlaybook())
	if err != nil {
		return Response{}, err
	}
	r.plan = plan
	r.meta.AppliedItems = plan.Applied
	p.stage(r, "plan", start)

	start = time.Now()
	queries := plan.Queries()
	results, err := p.Searcher.Search(ctx, queries, r.req.MaxSources)
	if err != nil {
		return Response{}, err
	}
	if r.req.FreshOnly {
		results = p.freshResults(results)
	}
	r.meta.SearchResults = len(results)
	p.stage(r, "search", start)
	if len(results) == 0 {
		return Response{}, failure.Newf(failure.ReasonFetch, "search", "no search results for %d queries", len(queries))
	}

	start = time.Now()
	docs, err := p.fetchAll(ctx, r, results)
	if err != nil {
		return Response{}, err
	}
	r.meta.Documents = len(docs)
	r.meta.RetrievedTypes = documentTypes(docs)
	p.stage(r, "fetch", start)

	start = time.Now()
	chunks := p.Chunker.ChunkAll(docs)
	r.meta.Chunks = len(chunks)
	p.stage(r, "chunk", start)
	if len(chunks) == 0 {
		return Response{}, failure.Newf(failure.ReasonFetch, "chunk", "fetched documents contain no text")
	}

	start = time.Now()
	ranking, err := p.Ranker.Rank(ctx, q, chunks, p.cfg.TopK)
	if err != nil {
		return Response{}, err
	}
	r.meta.Ranked = len(ranking.Chunks)
	r.meta.RecallStage = string(ranking.Recall)
	r.meta.PrecisionStage = string(ranking.Precision)
	p.stage(r, "rank", start)

	start = time.Now()
	ans, err := p.Synthesizer.Synthesize(ctx, q, ranking.Chunks, synth.WithHints(plan.Hints...))
	r.meta.Generations += ans.Calls
	if err != nil {
		return Response{}, err
	}
	p.stage(r, "synthesize", start)

	start = time.Now()
	report := p.Validator.Validate(ctx, ans.Bullets, ans.Sources, ranking.Chunks)
	r.meta.Validated = true
	r.meta.Coverage = report.Coverage
	r.issues = report.Issues
	p.record(r, ans)
	p.stage(r, "validate", start)

	if report.HasFail() {
		start = time.Now()
		r.meta.Resynthesized = true
		retry, rerr := p.Synthesizer.Synthesize(ctx, q, ranking.Chunks, synth.WithStrictCitations(), synth.WithHints(plan.Hints...))
		r.meta.Generations += retry.Calls
		switch {
		case rerr != nil && ctx.Err() != nil:
			return Response{}, rerr
		case rerr != nil:
			r.logger.Warn("re-synthesis failed, keeping first answer", zap.Error(rerr))
		default:
			second := p.Validator.Validate(ctx, retry.Bullets, retry.Sources, ranking.Chunks)
			if second.Coverage >= report.Coverage {
				ans, report = retry, second
				r.meta.Coverage = report.Coverage
				r.issues = report.Issues
				p.record(r, ans)
			}
		}
		p.stage(r, "resynthesize", start)
	}

	return Response{
		RunID:         r.meta.RunID,
		Question:      q,
		Bullets:       ans.Bullets,
		Sources:       ans.Sources,
		Coverage:      report.Coverage,
		LowConfidence: !report.Passed,
		Issues:        report.Issues,
		Queries:       len(queries),
		Plan:          &r.plan,
	}, nil
}

// freshResults drops dated results outside their freshness window.
// Undated results are kept.
func (p *Pipeline) freshResults(results []search.Result) []search.Result {
	now := p.now()
	out := results[:0:0]
	for _, res := range results {
		if !res.PublishedAt.IsZero() && !p.Windows.Fresh(res.Type, res.PublishedAt, now) {
			continue
		}
		out = append(out, res)
	}
	return out
}

// fetchAll fetches results concurrently. A failed fetch falls back to a
// document built from the search snippet; results without a snippet are
// dropped. Document order follows result order.
func (p *Pipeline) fetchAll(ctx context.Context, r *run, results []search.Result) ([]retrieval.Document, error) {
	slots := make([]*retrieval.Document, len(results))
	var failures atomic.Int32

	var g errgroup.Group
	g.SetLimit(p.cfg.FetchConcurrency)
	for i, res := range results {
		g.Go(func() error {
			page, err := p.Fetcher.Fetch(ctx, res.URL)
			if err != nil {
				failures.Add(1)
				r.logger.Debug("fetch failed, using snippet", zap.String("url", res.URL), zap.Error(err))
				if strings.TrimSpace(res.Snippet) == "" {
					return nil
				}
				doc := snippetDocument(res)
				slots[i] = &doc
				return nil
			}
			doc := page.Document(res.Type, res.Title, res.PublishedAt)
			slots[i] = &doc
			return nil
		})
	}
	_ = g.Wait()
	r.meta.FetchFailures = int(failures.Load())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := p.now()
	docs := make([]retrieval.Document, 0, len(slots))
	for _, d := range slots {
		if d == nil {
			continue
		}
		if r.req.FreshOnly && !d.PublishedAt.IsZero() && !p.Windows.Fresh(d.Type, d.PublishedAt, now) {
			continue
		}
		docs = append(docs, *d)
	}
	if len(docs) == 0 {
		return nil, failure.Newf(failure.ReasonFetch, "fetch", "none of %d results could be fetched", len(results))
	}
	return docs, nil
}

func snippetDocument(res search.Result) retrieval.Document {
	return retrieval.Document{
		ID:          helpers.URLKey(res.URL)[:16],
		URL:         res.URL,
		Title:       res.Title,
		Text:        strings.TrimSpace(res.Title + ". " + res.Snippet),
		Type:        res.Type,
		PublishedAt: res.PublishedAt,
	}
}

func documentTypes(docs []retrieval.Document) []retrieval.SourceType {
	var out []retrieval.SourceType
	for _, d := range docs {
		if !slices.Contains(out, d.Type) {
			out = append(out, d.Type)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// record refreshes the source statistics from the current answer.
func (p *Pipeline) record(r *run, ans synth.Answer) {
	cited := map[int]bool{}
	for _, b := range ans.Bullets {
		for _, c := range b.Citations {
			cited[c] = true
		}
	}
	r.meta.Sources = r.meta.Sources[:0]
	for _, s := range ans.Sources {
		r.meta.Sources = append(r.meta.Sources, ace.SourceStat{
			URL:         s.URL,
			Type:        s.Type,
			PublishedAt: s.PublishedAt,
			Cited:       cited[s.Label],
		})
	}
	r.meta.Freshness = p.Windows.Freshness(r.meta.Sources, p.now())
}

// learn reflects on the run and merges the deltas. It outlives the run
// deadline and never fails the answer; an aborted merge is logged and
// reported with the deltas left for inspection.
func (p *Pipeline) learn(ctx context.Context, r *run) *Learning {
	if !p.cfg.Learn || p.Reflector == nil || p.Curator == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LearnTimeout)
	defer cancel()

	start := time.Now()
	deltas := p.Reflector.Reflect(ctx, *r.meta, r.issues)
	p.stage(r, "reflect", start)
	out := &Learning{Deltas: deltas}
	if len(deltas) == 0 {
		return out
	}

	start = time.Now()
	res, err := p.Curator.Curate(ctx, deltas)
	p.stage(r, "curate", start)
	if err != nil {
		r.logger.Error("playbook merge aborted", zap.Int("deltas", len(deltas)), zap.Error(err))
		out.Error = err.Error()
		return out
	}
	out.Merge = &res
	return out
}
