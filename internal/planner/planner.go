// Package planner turns a question into source-typed search queries. It
// matches question wording to source types, optionally asks the planner
// model for sub-tasks, and applies playbook items: query rewrites shape
// the queries, and the remaining guidance is handed to the synthesizer.
package planner

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/llm"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/search"
	"go.uber.org/zap"
)

// TypeConfig is the query prefix and recency window for one source type.
type TypeConfig struct {
	QueryBase     string
	FreshnessDays int
}

// Config controls planning.
type Config struct {
	MaxSteps  int
	HintLimit int
	Types     map[retrieval.SourceType]TypeConfig
}

// ConfigFrom reads the sources and ace sections.
func ConfigFrom(src config.SourcesConfig, a config.ACEConfig) Config {
	c := Config{MaxSteps: 3, HintLimit: a.HintLimit, Types: map[retrieval.SourceType]TypeConfig{}}
	for name, tc := range src.Types {
		c.Types[retrieval.ParseSourceType(name)] = TypeConfig{QueryBase: tc.QueryBase, FreshnessDays: tc.FreshnessDays}
	}
	return c
}

// Step is one sub-task with the queries issued for it.
type Step struct {
	Thought string         `json:"thought"`
	Queries []search.Query `json:"queries"`
}

// Plan is the planner output.
type Plan struct {
	Question    string                 `json:"question"`
	SourceTypes []retrieval.SourceType `json:"source_types"`
	FocusTerms  []string               `json:"focus_terms"`
	Steps       []Step                 `json:"steps"`
	// Hints is playbook guidance for the synthesizer.
	Hints   []string          `json:"hints,omitempty"`
	Applied []ace.AppliedItem `json:"applied_items,omitempty"`
}

// Queries flattens the steps, dropping repeated query text per type.
func (p Plan) Queries() []search.Query {
	seen := map[string]bool{}
	var out []search.Query
	for _, s := range p.Steps {
		for _, q := range s.Queries {
			key := string(q.Type) + "\x00" + q.Text
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, q)
		}
	}
	return out
}

// Option configures a Planner.
type Option func(*Planner)

// WithGenerator lets the planner model propose sub-tasks.
func WithGenerator(g llm.Generator) Option {
	return func(p *Planner) { p.gen = g }
}

// Planner builds search plans.
type Planner struct {
	cfg    Config
	store  playbook.Store
	gen    llm.Generator
	logger *zap.Logger
}

// New builds a Planner. store may be nil when the playbook is disabled.
func New(cfg Config, store playbook.Store, logger *zap.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 3
	}
	if cfg.HintLimit <= 0 {
		cfg.HintLimit = 5
	}
	p := &Planner{cfg: cfg, store: store, logger: logger.Named("planner")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan builds the search plan for question. Playbook items are consulted
// only when usePlaybook is set; a playbook read failure degrades to an
// unguided plan.
func (p *Planner) Plan(ctx context.Context, question string, usePlaybook bool) (Plan, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Plan{}, failure.Newf(failure.ReasonInvalidInput, "plan", "empty question")
	}
	plan := Plan{
		Question:    question,
		FocusTerms:  FocusTerms(question),
		SourceTypes: MatchSourceTypes(question, true),
	}

	var items []playbook.Item
	if usePlaybook && p.store != nil {
		var err error
		if items, err = p.store.Query(ctx, ""); err != nil {
			p.logger.Warn("playbook unavailable, planning without hints", zap.Error(err))
			items = nil
		}
	}
	sortByUsefulness(items)
	applied := map[string]playbook.ItemType{}

	p.applySourceRules(&plan, items, applied)
	rewrites := parseRewrites(items)

	for i, task := range p.tasks(ctx, plan) {
		if i >= p.cfg.MaxSteps {
			break
		}
		step := Step{Thought: fmt.Sprintf("Step %d: %s", i+1, task)}
		types := mergeTypes(plan.SourceTypes, MatchSourceTypes(task, false))
		terms := FocusTerms(task)
		if len(terms) == 0 {
			terms = plan.FocusTerms
		}
		text := strings.Join(terms, " ")
		if text == "" {
			text = question
		}
		for _, t := range types {
			tc := p.cfg.Types[t]
			q := search.Query{Type: t, FreshnessDays: tc.FreshnessDays, Rationale: fmt.Sprintf("focus on %s sources for: %s", t, task)}
			extra := ""
			if rw, ok := matchRewrite(rewrites, t, task, question); ok {
				applied[rw.id] = playbook.TypeQueryRewrite
				extra, q.FreshnessDays = rw.apply(q.FreshnessDays)
			}
			for _, base := range splitBase(tc.QueryBase) {
				q.Text = strings.Join(nonEmpty(base, text, extra), " ")
				step.Queries = append(step.Queries, q)
			}
		}
		plan.Steps = append(plan.Steps, step)
	}

	plan.Hints = p.hints(question, items, applied)
	ids := make([]string, 0, len(applied))
	for id := range applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		plan.Applied = append(plan.Applied, ace.AppliedItem{ID: id, Type: applied[id]})
	}
	return plan, nil
}

// tasks asks the planner model for sub-tasks. Without a model, or when it
// fails, the question itself is the only task.
func (p *Planner) tasks(ctx context.Context, plan Plan) []string {
	if p.gen == nil {
		return []string{plan.Question}
	}
	prompt := llm.Prompt{
		System: "You are a planning assistant that decomposes research questions about AI/ML into focused search tasks. " +
			"Return 2-4 bullet points each describing a sub-task. Keep bullets short.",
		User:        plan.Question,
		Temperature: 0.2,
		MaxTokens:   256,
	}
	if len(plan.FocusTerms) > 0 {
		prompt.User += "\nFocus: " + strings.Join(plan.FocusTerms, ", ")
	}
	out, err := p.gen.Generate(ctx, llm.RolePlanner, prompt)
	if err != nil {
		p.logger.Warn("planner model failed, using heuristic tasks", zap.Error(err))
		var tasks []string
		for _, t := range plan.FocusTerms {
			if len(tasks) == 3 {
				break
			}
			tasks = append(tasks, "Investigate "+t)
		}
		if len(tasks) == 0 {
			tasks = []string{plan.Question}
		}
		return tasks
	}
	var tasks []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(taskMarker.ReplaceAllString(strings.TrimSpace(line), ""))
		if line != "" {
			tasks = append(tasks, line)
		}
	}
	if len(tasks) == 0 {
		return []string{plan.Question}
	}
	return tasks
}

var taskMarker = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s*`)

// applySourceRules lets source_rule items widen the planned source types:
// rules tagged with a type the question implies force that type in, and
// diversity rules top the plan up to their minimum from the defaults.
func (p *Planner) applySourceRules(plan *Plan, items []playbook.Item, applied map[string]playbook.ItemType) {
	expected := ace.ExpectedTypes(plan.Question)
	for _, it := range items {
		if it.Type != playbook.TypeSourceRule {
			continue
		}
		for _, tag := range it.Tags {
			t := retrieval.ParseSourceType(tag)
			if t == retrieval.SourceOther || !slices.Contains(expected, t) {
				continue
			}
			if !slices.Contains(plan.SourceTypes, t) {
				plan.SourceTypes = append(plan.SourceTypes, t)
			}
			applied[it.ID] = it.Type
		}
		if it.HasTag("diversity") {
			if n := minTypes(it.Content); n > len(plan.SourceTypes) {
				for _, t := range defaultTypes {
					if len(plan.SourceTypes) >= n {
						break
					}
					if !slices.Contains(plan.SourceTypes, t) {
						plan.SourceTypes = append(plan.SourceTypes, t)
					}
				}
			}
			applied[it.ID] = it.Type
		}
	}
}

var atLeast = regexp.MustCompile(`(?i)at least (\d+)`)

func minTypes(content string) int {
	m := atLeast.FindStringSubmatch(content)
	if m == nil {
		return 0
	}
	n := 0
	fmt.Sscanf(m[1], "%d", &n)
	return n
}

// hints selects synthesizer guidance: validation and template rules plus
// source rules whose wording overlaps the question, most useful first.
func (p *Planner) hints(question string, items []playbook.Item, applied map[string]playbook.ItemType) []string {
	keywords := map[string]struct{}{}
	for _, t := range keywordTerms(question) {
		keywords[t] = struct{}{}
	}
	var out []string
	for _, it := range items {
		if len(out) >= p.cfg.HintLimit {
			break
		}
		switch it.Type {
		case playbook.TypeQueryRewrite:
			continue
		case playbook.TypeSourceRule:
			if _, done := applied[it.ID]; !done && !overlaps(keywords, it) {
				continue
			}
		}
		out = append(out, it.Content)
		applied[it.ID] = it.Type
	}
	return out
}

func overlaps(keywords map[string]struct{}, it playbook.Item) bool {
	for _, t := range keywordTerms(it.Content + " " + strings.Join(it.Tags, " ")) {
		if _, ok := keywords[t]; ok {
			return true
		}
	}
	return false
}

func sortByUsefulness(items []playbook.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		si, sj := items[i].Helpful-items[i].Harmful, items[j].Helpful-items[j].Harmful
		if si != sj {
			return si > sj
		}
		return items[i].ID < items[j].ID
	})
}

func mergeTypes(base, extra []retrieval.SourceType) []retrieval.SourceType {
	out := slices.Clone(base)
	for _, t := range extra {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// splitBase breaks long OR-joined query bases into groups of eight so no
// query exceeds what search engines accept.
func splitBase(base string) []string {
	parts := strings.Split(base, " OR ")
	var clean []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		return []string{""}
	}
	var out []string
	for i := 0; i < len(clean); i += 8 {
		end := min(i+8, len(clean))
		out = append(out, strings.Join(clean[i:end], " OR "))
	}
	return out
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
