package ace

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/llm"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"github.com/mohammad-safakhou/askace/internal/validate"
	"go.uber.org/zap"
)

// ReflectorConfig holds the thresholds the rules compare against.
type ReflectorConfig struct {
	MinCoverage        float64
	FreshnessThreshold float64
	MinSourceTypes     int
	Windows            Windows
}

// ReflectorConfigFrom builds the config from the ace and validate sections.
func ReflectorConfigFrom(a config.ACEConfig, v config.ValidationConfig) ReflectorConfig {
	return ReflectorConfig{
		MinCoverage:        v.MinCoverage,
		FreshnessThreshold: a.FreshnessThreshold,
		MinSourceTypes:     a.MinSourceTypes,
		Windows:            WindowsFrom(a),
	}
}

// Reflector proposes playbook deltas from a finished run.
type Reflector struct {
	cfg    ReflectorConfig
	gen    llm.Generator
	logger *zap.Logger
	now    func() time.Time
}

// ReflectorOption customises a Reflector.
type ReflectorOption func(*Reflector)

// WithGenerator enables model-proposed deltas through the reflector role.
func WithGenerator(g llm.Generator) ReflectorOption {
	return func(r *Reflector) { r.gen = g }
}

// WithReflectorClock overrides the time source used for freshness.
func WithReflectorClock(now func() time.Time) ReflectorOption {
	return func(r *Reflector) { r.now = now }
}

func NewReflector(cfg ReflectorConfig, logger *zap.Logger, opts ...ReflectorOption) *Reflector {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reflector{cfg: cfg, logger: logger.Named("reflector"), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reflect evaluates every rule independently and returns the proposed
// deltas in a stable order. No delta means the run needs no change.
func (r *Reflector) Reflect(ctx context.Context, meta RunMetadata, issues []validate.Issue) []Delta {
	var out []Delta
	out = append(out, r.coverage(meta, issues)...)
	out = append(out, r.freshness(meta)...)
	out = append(out, r.sourceTypes(meta)...)
	out = append(out, r.sourceKeywords(meta)...)
	out = append(out, r.reinforcement(meta)...)
	if r.gen != nil {
		out = append(out, r.model(ctx, meta, issues)...)
	}
	for i := range out {
		out[i].RunID = meta.RunID
		out[i].Tags = playbook.NormalizeTags(out[i].Tags)
		telemetry.PlaybookDeltas.WithLabelValues(string(out[i].Action)).Inc()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	r.logger.Debug("reflected run", zap.String("run_id", meta.RunID), zap.Int("deltas", len(out)))
	return out
}

// coverage fires once per run when citation coverage fell short, whether
// the validator reported it or the metadata shows it.
func (r *Reflector) coverage(meta RunMetadata, issues []validate.Issue) []Delta {
	observed, failed := meta.Coverage, false
	for _, is := range issues {
		if is.Severity == validate.SeverityFail && is.Code == validate.CodeLowCoverage {
			observed, failed = is.Score, true
			break
		}
	}
	if !failed && (!meta.Validated || meta.Coverage >= r.cfg.MinCoverage) {
		return nil
	}
	return []Delta{{
		Action:     ActionAdd,
		Type:       playbook.TypeValidationRule,
		Content:    "Ensure every bullet cites at least one snippet; when evidence is thin, raise top_k and tighten snippet windows before synthesizing.",
		Tags:       []string{"validation", "citations"},
		Rationale:  fmt.Sprintf("citation coverage %.2f below minimum %.2f", observed, r.cfg.MinCoverage),
		Confidence: confidence(r.cfg.MinCoverage-observed, r.cfg.MinCoverage),
		Rule:       RuleCoverage,
	}}
}

var freshWords = []string{"latest", "recent", "new", "today"}

func (r *Reflector) freshness(meta RunMetadata) []Delta {
	st := r.cfg.Windows.Freshness(meta.Sources, r.now())
	if st.Dated == 0 || st.Ratio >= r.cfg.FreshnessThreshold {
		return nil
	}
	trigger := "latest"
	terms := termSet(meta.Question)
	for _, w := range freshWords {
		if _, ok := terms[w]; ok {
			trigger = w
			break
		}
	}
	types := make([]retrieval.SourceType, 0, len(st.Stale))
	for t := range st.Stale {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	conf := confidence(r.cfg.FreshnessThreshold-st.Ratio, r.cfg.FreshnessThreshold)
	out := make([]Delta, 0, len(types))
	for _, t := range types {
		out = append(out, Delta{
			Action:     ActionAdd,
			Type:       playbook.TypeQueryRewrite,
			Content:    fmt.Sprintf("%s:%s => sort:recent", t, trigger),
			Tags:       []string{string(t), "fresh"},
			Rationale:  fmt.Sprintf("%d %s source(s) outside the freshness window; fresh ratio %.2f below %.2f", st.Stale[t], t, st.Ratio, r.cfg.FreshnessThreshold),
			Confidence: conf,
			Rule:       RuleFreshness,
		})
	}
	return out
}

func (r *Reflector) sourceTypes(meta RunMetadata) []Delta {
	if meta.CitedCount() == 0 {
		return nil
	}
	cited := meta.CitedTypes()
	if len(cited) >= r.cfg.MinSourceTypes {
		return nil
	}
	var alt []string
	for _, t := range meta.RetrievedTypes {
		if !slices.Contains(cited, t) && !slices.Contains(alt, string(t)) {
			alt = append(alt, string(t))
		}
	}
	sort.Strings(alt)
	content := fmt.Sprintf("Cite at least %d distinct source types per answer.", r.cfg.MinSourceTypes)
	if len(alt) > 0 {
		content = fmt.Sprintf("Cite at least %d distinct source types per answer; consider %s.", r.cfg.MinSourceTypes, strings.Join(alt, ", "))
	}
	return []Delta{{
		Action:     ActionAdd,
		Type:       playbook.TypeSourceRule,
		Content:    content,
		Tags:       []string{"coverage", "diversity"},
		Rationale:  fmt.Sprintf("%d distinct cited source type(s), minimum %d", len(cited), r.cfg.MinSourceTypes),
		Confidence: confidence(float64(r.cfg.MinSourceTypes-len(cited)), float64(r.cfg.MinSourceTypes)),
		Rule:       RuleSourceTypes,
	}}
}

// keywordTypes maps question words to the source type they imply.
var keywordTypes = []struct {
	words []string
	t     retrieval.SourceType
}{
	{[]string{"git", "github", "repo", "repository"}, retrieval.SourceGitHub},
	{[]string{"huggingface", "model", "checkpoint"}, retrieval.SourceHuggingFace},
	{[]string{"paper", "papers", "arxiv", "research"}, retrieval.SourceArxiv},
	{[]string{"news", "launch", "announced"}, retrieval.SourceNews},
	{[]string{"twitter", "tweet", "tweets"}, retrieval.SourceTwitter},
	{[]string{"reddit", "discussion", "thread"}, retrieval.SourceReddit},
}

// ExpectedTypes returns the source types a question's wording implies.
func ExpectedTypes(question string) []retrieval.SourceType {
	terms := termSet(question)
	var out []retrieval.SourceType
	for _, kt := range keywordTypes {
		for _, w := range kt.words {
			if _, ok := terms[w]; ok {
				out = append(out, kt.t)
				break
			}
		}
	}
	return out
}

func (r *Reflector) sourceKeywords(meta RunMetadata) []Delta {
	expected := ExpectedTypes(meta.Question)
	if len(expected) == 0 {
		return nil
	}
	var missing []retrieval.SourceType
	for _, t := range expected {
		if !slices.Contains(meta.RetrievedTypes, t) {
			missing = append(missing, t)
		}
	}
	conf := confidence(float64(len(missing)), float64(len(expected)))
	out := make([]Delta, 0, len(missing))
	for _, t := range missing {
		out = append(out, Delta{
			Action:     ActionAdd,
			Type:       playbook.TypeSourceRule,
			Content:    fmt.Sprintf("When the question mentions %s, add an explicit site filter for %s to the search queries.", t, t),
			Tags:       []string{string(t), "coverage"},
			Rationale:  fmt.Sprintf("question implies %s sources but none were retrieved", t),
			Confidence: conf,
			Rule:       RuleSourceKeywords,
		})
	}
	return out
}

// reinforcement judges each applied item on the metric its type governs:
// query rewrites on freshness, source rules on source-type diversity, and
// template or validation rules on citation coverage.
func (r *Reflector) reinforcement(meta RunMetadata) []Delta {
	var out []Delta
	for _, it := range meta.AppliedItems {
		var observed, threshold float64
		switch it.Type {
		case playbook.TypeQueryRewrite:
			st := r.cfg.Windows.Freshness(meta.Sources, r.now())
			if st.Dated == 0 {
				continue
			}
			observed, threshold = st.Ratio, r.cfg.FreshnessThreshold
		case playbook.TypeSourceRule:
			if meta.CitedCount() == 0 {
				continue
			}
			observed, threshold = float64(len(meta.CitedTypes())), float64(r.cfg.MinSourceTypes)
		default:
			if !meta.Validated {
				continue
			}
			observed, threshold = meta.Coverage, r.cfg.MinCoverage
		}
		d := Delta{
			Action:     ActionReinforce,
			TargetID:   it.ID,
			Confidence: confidence(observed-threshold, threshold),
			Negative:   observed < threshold,
			Rule:       RuleReinforcement,
		}
		if d.Negative {
			d.Rationale = fmt.Sprintf("applied item preceded a run at %.2f, below %.2f", observed, threshold)
		} else {
			d.Rationale = fmt.Sprintf("applied item preceded a run at %.2f, meeting %.2f", observed, threshold)
		}
		out = append(out, d)
	}
	return out
}

var modelDelta = regexp.MustCompile(`^\s*[-*]\s*(query_rewrite|source_rule|template_rule|validation_rule)\s*:\s*(.+?)\s*$`)

// model asks the reflector role for up to three further heuristics.
// Generation failures are logged and yield nothing.
func (r *Reflector) model(ctx context.Context, meta RunMetadata, issues []validate.Issue) []Delta {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", meta.Question)
	fmt.Fprintf(&b, "Citation coverage: %.2f (minimum %.2f)\n", meta.Coverage, r.cfg.MinCoverage)
	fmt.Fprintf(&b, "Fresh ratio: %.2f over %d dated sources\n", meta.Freshness.Ratio, meta.Freshness.Dated)
	fmt.Fprintf(&b, "Retrieved source types: %v\n", meta.RetrievedTypes)
	for _, is := range issues {
		fmt.Fprintf(&b, "Issue (%s): %s\n", is.Severity, is.Message)
	}
	b.WriteString("\nPropose at most three reusable heuristics, one per line, as \"- <type>: <rule>\" where type is query_rewrite, source_rule, template_rule or validation_rule. Reply with nothing if none are needed.")

	text, err := r.gen.Generate(ctx, llm.RoleReflector, llm.Prompt{
		System:      "You review research runs and distil short, reusable heuristics.",
		User:        b.String(),
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		r.logger.Warn("model reflection failed", zap.String("run_id", meta.RunID), zap.Error(err))
		return nil
	}
	var out []Delta
	for _, line := range strings.Split(text, "\n") {
		m := modelDelta.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Delta{
			Action:     ActionAdd,
			Type:       playbook.ItemType(m[1]),
			Content:    m[2],
			Tags:       []string{"model"},
			Rationale:  "proposed by reflector model",
			Confidence: 0.3,
			Rule:       RuleModel,
		})
		if len(out) == 3 {
			break
		}
	}
	return out
}
