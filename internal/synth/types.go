// Package synth turns ranked evidence into a short list of cited answer
// bullets using a draft followed by bounded chain-of-density refinement.
package synth

import (
	"time"

	"github.com/mohammad-safakhou/askace/internal/retrieval"
)

// SourceRef is a citable source. Labels are 1-based and assigned once per
// run in order of first appearance in the ranking.
type SourceRef struct {
	Label       int                  `json:"label"`
	URL         string               `json:"url"`
	Title       string               `json:"title"`
	Type        retrieval.SourceType `json:"source_type"`
	PublishedAt time.Time            `json:"published_at,omitempty"`
}

// AnswerBullet is one claim with the labels of the sources supporting it.
type AnswerBullet struct {
	Text      string `json:"text"`
	Citations []int  `json:"citations"`
}

// Answer is the synthesizer output.
type Answer struct {
	Bullets []AnswerBullet `json:"bullets"`
	Sources []SourceRef    `json:"sources"`
	// Density is the information density of the emitted bullets.
	Density float64 `json:"density"`
	// Refined is true when a refinement pass replaced the draft.
	Refined bool `json:"refined"`
	// Calls counts generator invocations made for this answer.
	Calls int `json:"calls"`
	// Fallback is true when bullets were built extractively because the
	// generator produced nothing usable.
	Fallback bool `json:"fallback"`
	// Dropped counts bullets discarded for lacking a valid citation.
	Dropped int `json:"dropped"`
}

// SourceByLabel returns the source with the given label.
func (a Answer) SourceByLabel(label int) (SourceRef, bool) {
	if label < 1 || label > len(a.Sources) {
		return SourceRef{}, false
	}
	return a.Sources[label-1], true
}
