package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/planner"
	"github.com/mohammad-safakhou/askace/internal/synth"
	"github.com/mohammad-safakhou/askace/internal/validate"
)

const (
	DefaultMaxSources = 8
	MaxSourcesLimit   = 20
	minQuestionLength = 4
)

// Request is one question to answer.
type Request struct {
	Question   string `json:"question"`
	FreshOnly  bool   `json:"fresh_only"`
	MaxSources int    `json:"max_sources"`
	// IncludePlaybook defaults to true when unset.
	IncludePlaybook *bool `json:"include_playbook,omitempty"`
}

// UsePlaybook reports whether playbook guidance should shape the run.
func (r Request) UsePlaybook() bool { return r.IncludePlaybook == nil || *r.IncludePlaybook }

// Normalize trims the question and applies defaults. Malformed requests
// fail with reason invalid_input.
func (r Request) Normalize() (Request, error) {
	r.Question = strings.TrimSpace(r.Question)
	if utf8.RuneCountInString(r.Question) < minQuestionLength {
		return r, failure.Newf(failure.ReasonInvalidInput, "request", "question must be at least %d characters", minQuestionLength)
	}
	if r.MaxSources == 0 {
		r.MaxSources = DefaultMaxSources
	}
	if r.MaxSources < 1 || r.MaxSources > MaxSourcesLimit {
		return r, failure.Newf(failure.ReasonInvalidInput, "request", "max_sources must be within [1,%d]", MaxSourcesLimit)
	}
	return r, nil
}

// Learning reports what the reflect and curate steps did for a run.
type Learning struct {
	Deltas []ace.Delta      `json:"deltas"`
	Merge  *ace.MergeResult `json:"merge,omitempty"`
	// Error is set when the merge was aborted; the deltas are kept here
	// for inspection.
	Error string `json:"error,omitempty"`
}

// Response is a completed answer. LowConfidence marks an answer whose
// coverage stayed below the minimum after the single re-synthesis.
type Response struct {
	RunID         string               `json:"run_id"`
	Question      string               `json:"question"`
	Bullets       []synth.AnswerBullet `json:"bullets"`
	Sources       []synth.SourceRef    `json:"sources"`
	Coverage      float64              `json:"coverage"`
	LowConfidence bool                 `json:"low_confidence"`
	Issues        []validate.Issue     `json:"issues,omitempty"`
	Queries       int                  `json:"queries"`
	Plan          *planner.Plan        `json:"plan,omitempty"`
	Metadata      ace.RunMetadata      `json:"metadata"`
	Learning      *Learning            `json:"learning,omitempty"`
}

// Markdown renders the answer as bullets followed by the numbered sources.
func (r Response) Markdown() string {
	var b strings.Builder
	for _, bl := range r.Bullets {
		b.WriteString("- ")
		b.WriteString(synth.Render(bl))
		b.WriteByte('\n')
	}
	if len(r.Sources) > 0 {
		b.WriteString("\nSources:\n")
		for _, s := range r.Sources {
			b.WriteString(sourceLine(s))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func sourceLine(s synth.SourceRef) string {
	return helpers.FormatCitation(helpers.Citation{
		Label:     s.Label,
		Title:     s.Title,
		URL:       s.URL,
		Type:      string(s.Type),
		Published: s.PublishedAt,
	})
}
