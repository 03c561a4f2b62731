package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/llm"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MaxBullets is the hard cap on bullets in any answer.
const MaxBullets = 7

// Config tunes synthesis.
type Config struct {
	MaxBullets       int
	MinBullets       int
	DensityThreshold float64
	MaxRefinements   int
	SnippetChars     int
}

// ConfigFrom converts the configured synth section.
func ConfigFrom(c config.SynthConfig) Config {
	return Config{
		MaxBullets:       c.MaxBullets,
		MinBullets:       c.MinBullets,
		DensityThreshold: c.DensityThreshold,
		MaxRefinements:   c.MaxRefinements,
		SnippetChars:     c.SnippetChars,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBullets <= 0 || c.MaxBullets > MaxBullets {
		c.MaxBullets = MaxBullets
	}
	if c.MinBullets <= 0 {
		c.MinBullets = 3
	}
	if c.MinBullets > c.MaxBullets {
		c.MinBullets = c.MaxBullets
	}
	if c.MaxRefinements < 0 {
		c.MaxRefinements = 0
	}
	return c
}

type options struct {
	strict bool
	hints  []string
}

// Option adjusts a single Synthesize call.
type Option func(*options)

// WithStrictCitations asks the generator to omit any claim it cannot cite.
// Used for the re-synthesis attempt after a failed validation.
func WithStrictCitations() Option {
	return func(o *options) { o.strict = true }
}

// WithHints appends playbook guidance to the draft prompt.
func WithHints(hints ...string) Option {
	return func(o *options) { o.hints = append(o.hints, hints...) }
}

// Synthesizer produces cited bullets from ranked chunks.
type Synthesizer struct {
	gen    llm.Generator
	cfg    Config
	tok    retrieval.Tokenizer
	logger *zap.Logger
}

// New builds a Synthesizer. logger may be nil.
func New(gen llm.Generator, cfg Config, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gen: gen, cfg: cfg.withDefaults(), tok: retrieval.DefaultTokenizer, logger: logger.Named("synth")}
}

// Synthesize drafts bullets, refines them at most MaxRefinements times while
// the draft is below the density threshold, and drops bullets that end up
// without a valid citation. A failed draft is a generation failure. A failed
// refinement, or one that loses a citation of the draft, keeps the draft.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, ranked []retrieval.RankedChunk, opts ...Option) (ans Answer, err error) {
	ctx, span := telemetry.StartSpan(ctx, "synth.Synthesize", attribute.Int("chunks", len(ranked)))
	defer func() { telemetry.EndSpan(span, err) }()

	if len(ranked) == 0 {
		return Answer{}, failure.Newf(failure.ReasonInvalidInput, "synthesize", "no ranked evidence")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sources, labels := LabelSources(ranked)
	ans.Sources = sources
	evidence := buildContext(ranked, labels, s.cfg.SnippetChars)

	raw, err := s.gen.Generate(ctx, llm.RoleSynthesizer, draftPrompt(question, evidence, o, s.cfg.MaxBullets, s.cfg.MinBullets))
	ans.Calls++
	if err != nil {
		return Answer{}, fmt.Errorf("synthesize draft: %w", err)
	}
	bullets := keepValid(parseBullets(raw), len(sources))

	for pass := 0; pass < s.cfg.MaxRefinements && !s.acceptable(bullets); pass++ {
		if len(bullets) == 0 {
			break
		}
		refined, rerr := s.gen.Generate(ctx, llm.RoleSynthesizer, refinePrompt(question, evidence, renderDraft(bullets)))
		ans.Calls++
		if rerr != nil {
			if ctx.Err() != nil {
				return Answer{}, fmt.Errorf("synthesize refine: %w", ctx.Err())
			}
			s.logger.Warn("refinement failed, keeping draft", zap.Error(rerr))
			break
		}
		next := keepValid(parseBullets(refined), len(sources))
		if cited(next) == 0 {
			s.logger.Debug("refinement produced no cited bullets, keeping draft")
			break
		}
		if lost := missingCitations(bullets, next); len(lost) > 0 {
			s.logger.Debug("refinement dropped citations, keeping draft", zap.Ints("lost", lost))
			break
		}
		bullets = next
		ans.Refined = true
	}

	final := make([]AnswerBullet, 0, len(bullets))
	for _, b := range bullets {
		if len(b.Citations) == 0 || strings.TrimSpace(b.Text) == "" {
			ans.Dropped++
			continue
		}
		final = append(final, b)
	}
	if len(final) == 0 {
		s.logger.Warn("generator returned no cited bullets, using extractive fallback")
		final = s.fallback(ranked, labels, len(sources))
		ans.Fallback = true
	}
	if len(final) > s.cfg.MaxBullets {
		final = final[:s.cfg.MaxBullets]
	}
	ans.Bullets = final
	ans.Density = Density(final, s.tok)
	span.SetAttributes(attribute.Int("bullets", len(final)), attribute.Int("calls", ans.Calls), attribute.Bool("refined", ans.Refined))
	return ans, nil
}

// acceptable reports whether a draft can skip refinement: it has bullets,
// every bullet is cited and density meets the threshold.
func (s *Synthesizer) acceptable(bullets []AnswerBullet) bool {
	if len(bullets) == 0 || cited(bullets) != len(bullets) {
		return false
	}
	return Density(bullets, s.tok) >= s.cfg.DensityThreshold
}

func cited(bullets []AnswerBullet) int {
	n := 0
	for _, b := range bullets {
		if len(b.Citations) > 0 {
			n++
		}
	}
	return n
}

// missingCitations lists the labels cited in draft that refined no longer cites.
func missingCitations(draft, refined []AnswerBullet) []int {
	have := map[int]bool{}
	for _, b := range refined {
		for _, c := range b.Citations {
			have[c] = true
		}
	}
	var lost []int
	seen := map[int]bool{}
	for _, b := range draft {
		for _, c := range b.Citations {
			if !have[c] && !seen[c] {
				seen[c] = true
				lost = append(lost, c)
			}
		}
	}
	return lost
}

// fallback builds one extractive bullet per source from its best chunk.
func (s *Synthesizer) fallback(ranked []retrieval.RankedChunk, labels map[string]int, nSources int) []AnswerBullet {
	limit := max(s.cfg.MinBullets, min(s.cfg.MaxBullets, nSources))
	seen := map[string]bool{}
	var out []AnswerBullet
	for _, rc := range ranked {
		c := rc.Chunk
		if seen[c.Source.URL] {
			continue
		}
		seen[c.Source.URL] = true
		sentence := leadSentence(c.Text, 220)
		if sentence == "" {
			continue
		}
		text := sentence
		if c.Source.Title != "" {
			text = c.Source.Title + ": " + sentence
		}
		out = append(out, AnswerBullet{Text: text, Citations: []int{labels[c.Source.URL]}})
		if len(out) >= limit {
			break
		}
	}
	return out
}

func leadSentence(text string, limit int) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, ". "); i >= 0 {
		text = text[:i+1]
	}
	return strings.TrimSpace(helpers.Truncate(text, limit))
}

// LabelSources assigns 1-based labels to distinct source URLs in ranking order.
func LabelSources(ranked []retrieval.RankedChunk) ([]SourceRef, map[string]int) {
	labels := make(map[string]int)
	var sources []SourceRef
	for _, rc := range ranked {
		src := rc.Chunk.Source
		if _, ok := labels[src.URL]; ok {
			continue
		}
		label := len(sources) + 1
		labels[src.URL] = label
		sources = append(sources, SourceRef{Label: label, URL: src.URL, Title: src.Title, Type: src.Type, PublishedAt: src.PublishedAt})
	}
	return sources, labels
}
