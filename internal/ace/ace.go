// Package ace closes the self-improvement loop: the Reflector turns one
// run's telemetry into proposed playbook deltas and the Curator merges a
// run's deltas into the playbook store as a single deterministic batch.
package ace

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/inference"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
)

// Action is what a delta asks the curator to do.
type Action string

const (
	ActionAdd       Action = "add"
	ActionReinforce Action = "reinforce"
	ActionDeprecate Action = "deprecate"
)

// Rule names the reflector check that produced a delta.
type Rule string

const (
	RuleCoverage       Rule = "coverage"
	RuleFreshness      Rule = "freshness"
	RuleSourceTypes    Rule = "source_types"
	RuleSourceKeywords Rule = "source_keywords"
	RuleReinforcement  Rule = "reinforcement"
	RuleModel          Rule = "model"
	RuleManual         Rule = "manual"
)

// Delta is a proposed change to the playbook. TargetID is empty for add.
// Content on a reinforce delta is an optional rewrite of the target.
type Delta struct {
	Action     Action            `json:"action"`
	TargetID   string            `json:"target_id,omitempty"`
	Type       playbook.ItemType `json:"type,omitempty"`
	Content    string            `json:"content,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Rationale  string            `json:"rationale"`
	Confidence float64           `json:"confidence"`
	// Negative reinforcement increments harmful instead of helpful.
	Negative bool   `json:"negative,omitempty"`
	Rule     Rule   `json:"rule"`
	RunID    string `json:"run_id,omitempty"`
}

func (d Delta) String() string {
	switch d.Action {
	case ActionAdd:
		return fmt.Sprintf("add %s %q", d.Type, d.Content)
	default:
		return fmt.Sprintf("%s %s", d.Action, d.TargetID)
	}
}

// SourceStat describes one labelled source of the answer.
type SourceStat struct {
	URL         string               `json:"url"`
	Type        retrieval.SourceType `json:"source_type"`
	PublishedAt time.Time            `json:"published_at,omitempty"`
	Cited       bool                 `json:"cited"`
}

// AppliedItem is a playbook item the planner applied during the run.
type AppliedItem struct {
	ID   string            `json:"id"`
	Type playbook.ItemType `json:"type"`
}

// FreshnessStats summarises source ages against the freshness windows.
type FreshnessStats struct {
	Dated int     `json:"dated"`
	Fresh int     `json:"fresh"`
	Ratio float64 `json:"ratio"`
	// Stale counts dated sources outside their window by type.
	Stale map[retrieval.SourceType]int `json:"stale,omitempty"`
}

// RunMetadata is the telemetry of one pipeline execution. The pipeline
// fills it stage by stage; once handed to the reflector it is read-only.
type RunMetadata struct {
	RunID          string                   `json:"run_id"`
	Question       string                   `json:"question"`
	StartedAt      time.Time                `json:"started_at"`
	StageTimings   map[string]time.Duration `json:"stage_timings"`
	SearchResults  int                      `json:"search_results"`
	Documents      int                      `json:"documents"`
	FetchFailures  int                      `json:"fetch_failures"`
	Chunks         int                      `json:"chunks"`
	Ranked         int                      `json:"ranked"`
	RecallStage    string                   `json:"recall_stage"`
	PrecisionStage string                   `json:"precision_stage"`
	Generations    int                      `json:"generations"`
	Resynthesized  bool                     `json:"resynthesized"`
	Coverage       float64                  `json:"coverage"`
	MinCoverage    float64                  `json:"min_coverage"`
	Validated      bool                     `json:"validated"`
	Freshness      FreshnessStats           `json:"freshness"`
	RetrievedTypes []retrieval.SourceType   `json:"retrieved_types"`
	Sources        []SourceStat             `json:"sources"`
	AppliedItems   []AppliedItem            `json:"applied_items"`
	TimedOut       bool                     `json:"timed_out"`
}

// NewRunMetadata starts telemetry for a run.
func NewRunMetadata(runID, question string, now time.Time) *RunMetadata {
	return &RunMetadata{
		RunID:        runID,
		Question:     question,
		StartedAt:    now,
		StageTimings: make(map[string]time.Duration),
	}
}

// CitedTypes returns the distinct source types among cited sources, sorted.
func (m RunMetadata) CitedTypes() []retrieval.SourceType {
	var out []retrieval.SourceType
	for _, s := range m.Sources {
		if s.Cited && !slices.Contains(out, s.Type) {
			out = append(out, s.Type)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CitedCount returns how many sources were cited.
func (m RunMetadata) CitedCount() int {
	n := 0
	for _, s := range m.Sources {
		if s.Cited {
			n++
		}
	}
	return n
}

// Windows holds the per-type freshness windows in days.
type Windows struct {
	Days       map[retrieval.SourceType]int
	BufferDays int
}

// WindowsFrom converts the ace config section. Types missing from the
// config fall back to the "other" window, and social types to 5 days.
func WindowsFrom(c config.ACEConfig) Windows {
	w := Windows{Days: make(map[retrieval.SourceType]int), BufferDays: c.FreshnessBufferDays}
	for k, v := range c.FreshnessDays {
		w.Days[retrieval.ParseSourceType(k)] = v
	}
	return w
}

// Limit returns the allowed age of a source of type t.
func (w Windows) Limit(t retrieval.SourceType) time.Duration {
	days, ok := w.Days[t]
	if !ok {
		switch {
		case t.Social():
			days = 5
		case t == retrieval.SourceNews:
			days = 10
		default:
			days, ok = w.Days[retrieval.SourceOther]
			if !ok {
				days = 14
			}
		}
	}
	return time.Duration(days+w.BufferDays) * 24 * time.Hour
}

// Fresh reports whether a source published at p is inside its window.
func (w Windows) Fresh(t retrieval.SourceType, p, now time.Time) bool {
	return now.Sub(p) <= w.Limit(t)
}

// Freshness computes stats over the dated sources. Undated sources carry
// no signal and are ignored.
func (w Windows) Freshness(sources []SourceStat, now time.Time) FreshnessStats {
	var st FreshnessStats
	for _, s := range sources {
		if s.PublishedAt.IsZero() {
			continue
		}
		st.Dated++
		if w.Fresh(s.Type, s.PublishedAt, now) {
			st.Fresh++
			continue
		}
		if st.Stale == nil {
			st.Stale = make(map[retrieval.SourceType]int)
		}
		st.Stale[s.Type]++
	}
	if st.Dated > 0 {
		st.Ratio = float64(st.Fresh) / float64(st.Dated)
	}
	return st
}

// Similarity is the Jaccard overlap of the two texts' term sets.
func Similarity(a, b string) float64 {
	sa, sb := termSet(a), termSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

func termSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range inference.Terms(s) {
		out[t] = struct{}{}
	}
	return out
}

// confidence maps the distance of an observed metric from its threshold,
// relative to the threshold, into [0.5, 1].
func confidence(gap, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	r := gap / threshold
	if r < 0 {
		r = -r
	}
	if r > 1 {
		r = 1
	}
	return 0.5 + 0.5*r
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
