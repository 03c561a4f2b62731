// Package validate checks synthesized answers for citation coverage and
// for claims their cited evidence does not plausibly support. It reports
// and never mutates the answer.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/inference"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/mohammad-safakhou/askace/internal/synth"
	"github.com/mohammad-safakhou/askace/internal/telemetry"
	"go.uber.org/zap"
)

// Severity grades an issue.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
	SeverityFail Severity = "fail"
)

// Issue codes.
const (
	CodeMissingCitation  = "missing_citation"
	CodeUnknownCitation  = "unknown_citation"
	CodeUnsupportedClaim = "unsupported_claim"
	CodeLowCoverage      = "low_coverage"
	CodeNoEvidence       = "no_evidence"
)

// Issue is one finding. BulletIndex is -1 for answer-level findings.
type Issue struct {
	Severity    Severity `json:"severity"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	BulletIndex int      `json:"bullet_index"`
	// Score carries the measured value behind the finding, such as the
	// coverage ratio or the support similarity.
	Score float64 `json:"score,omitempty"`
}

// Report is the validator output.
type Report struct {
	Coverage float64 `json:"coverage"`
	Passed   bool    `json:"passed"`
	Issues   []Issue `json:"issues"`
}

// HasFail reports whether any issue has fail severity.
func (r Report) HasFail() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityFail {
			return true
		}
	}
	return false
}

// Count returns the number of issues with the given code.
func (r Report) Count(code string) int {
	n := 0
	for _, i := range r.Issues {
		if i.Code == code {
			n++
		}
	}
	return n
}

// Config holds the thresholds. Both are explicit inputs rather than constants.
type Config struct {
	MinCoverage  float64
	SupportFloor float64
}

// ConfigFrom converts the configured validate section.
func ConfigFrom(c config.ValidationConfig) Config {
	return Config{MinCoverage: c.MinCoverage, SupportFloor: c.SupportFloor}
}

// Validator computes coverage and support findings.
type Validator struct {
	cfg      Config
	embedder inference.Embedder
	logger   *zap.Logger
}

// New builds a Validator. embedder may be nil, in which case support is
// measured lexically only.
func New(cfg Config, embedder inference.Embedder, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cfg: cfg, embedder: embedder, logger: logger.Named("validate")}
}

// Validate checks bullets against sources. evidence supplies the chunk text
// behind each source URL for the support check; when it is empty the
// support check is skipped with an info issue.
func (v *Validator) Validate(ctx context.Context, bullets []synth.AnswerBullet, sources []synth.SourceRef, evidence []retrieval.RankedChunk) Report {
	var rep Report
	byLabel := make(map[int]synth.SourceRef, len(sources))
	for _, s := range sources {
		byLabel[s.Label] = s
	}
	texts := make(map[string][]string)
	for _, rc := range evidence {
		texts[rc.Chunk.Source.URL] = append(texts[rc.Chunk.Source.URL], rc.Chunk.Text)
	}

	covered := 0
	for i, b := range bullets {
		var valid []synth.SourceRef
		var unknown []int
		for _, c := range b.Citations {
			if s, ok := byLabel[c]; ok {
				valid = append(valid, s)
			} else {
				unknown = append(unknown, c)
			}
		}
		if len(b.Citations) == 0 {
			rep.Issues = append(rep.Issues, Issue{Severity: SeverityWarn, Code: CodeMissingCitation, Message: "bullet has no citation", BulletIndex: i})
			continue
		}
		if len(unknown) > 0 {
			rep.Issues = append(rep.Issues, Issue{Severity: SeverityWarn, Code: CodeUnknownCitation, Message: fmt.Sprintf("bullet references unknown citations %v", unknown), BulletIndex: i})
		}
		if len(valid) == 0 {
			continue
		}
		covered++
		if len(evidence) == 0 {
			continue
		}
		var union []string
		for _, s := range valid {
			union = append(union, texts[s.URL]...)
		}
		score := v.support(ctx, b.Text, strings.Join(union, "\n"))
		if score < v.cfg.SupportFloor {
			rep.Issues = append(rep.Issues, Issue{
				Severity:    SeverityWarn,
				Code:        CodeUnsupportedClaim,
				Message:     fmt.Sprintf("cited evidence similarity %.2f below floor %.2f", score, v.cfg.SupportFloor),
				BulletIndex: i,
				Score:       score,
			})
		}
	}
	if len(evidence) == 0 && len(bullets) > 0 {
		rep.Issues = append(rep.Issues, Issue{Severity: SeverityInfo, Code: CodeNoEvidence, Message: "no evidence supplied, support check skipped", BulletIndex: -1})
	}

	if len(bullets) > 0 {
		rep.Coverage = float64(covered) / float64(len(bullets))
	}
	rep.Passed = rep.Coverage >= v.cfg.MinCoverage
	if !rep.Passed {
		rep.Issues = append(rep.Issues, Issue{
			Severity:    SeverityFail,
			Code:        CodeLowCoverage,
			Message:     fmt.Sprintf("citation coverage %.2f below minimum %.2f", rep.Coverage, v.cfg.MinCoverage),
			BulletIndex: -1,
			Score:       rep.Coverage,
		})
		v.logger.Info("validation coverage below minimum", zap.Float64("coverage", rep.Coverage), zap.Float64("min", v.cfg.MinCoverage))
	}
	telemetry.ValidationCoverage.Observe(rep.Coverage)
	return rep
}

// support is the larger of the embedding cosine between claim and evidence
// and the share of the claim's terms found in the evidence.
func (v *Validator) support(ctx context.Context, claim, evidence string) float64 {
	score := Containment(claim, evidence)
	if v.embedder == nil {
		return score
	}
	vecs, err := v.embedder.EmbedBatch(ctx, []string{claim, evidence})
	if err != nil || len(vecs) != 2 {
		v.logger.Debug("support embedding failed, using lexical support", zap.Error(err))
		return score
	}
	return max(score, inference.Cosine(vecs[0], vecs[1]))
}

// Containment returns the fraction of claim terms longer than two
// characters that also appear in evidence.
func Containment(claim, evidence string) float64 {
	have := make(map[string]struct{})
	for _, t := range inference.Terms(evidence) {
		have[t] = struct{}{}
	}
	var total, hit int
	for _, t := range inference.Terms(claim) {
		if len(t) <= 2 {
			continue
		}
		total++
		if _, ok := have[t]; ok {
			hit++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}
