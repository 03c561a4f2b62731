// Package retrieval turns fetched documents into ranked evidence: it
// chunks documents into overlapping token windows and ranks the chunks
// against a query with a recall stage followed by a precision stage.
package retrieval

import (
	"strings"
	"time"
)

// SourceType is the closed set of source buckets a document can belong to.
type SourceType string

const (
	SourceArxiv       SourceType = "arxiv"
	SourceGitHub      SourceType = "github"
	SourceHuggingFace SourceType = "huggingface"
	SourceNews        SourceType = "news"
	SourceBlogs       SourceType = "blogs"
	SourceTwitter     SourceType = "twitter"
	SourceReddit      SourceType = "reddit"
	SourceOther       SourceType = "other"
)

// SourceTypes lists every known source type in a stable order.
var SourceTypes = []SourceType{
	SourceArxiv, SourceGitHub, SourceHuggingFace, SourceNews,
	SourceBlogs, SourceTwitter, SourceReddit, SourceOther,
}

// ParseSourceType maps s to a known SourceType, defaulting to SourceOther.
func ParseSourceType(s string) SourceType {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range SourceTypes {
		if string(t) == s {
			return t
		}
	}
	if s == "blog" {
		return SourceBlogs
	}
	return SourceOther
}

// Social reports whether the type is a social platform.
func (t SourceType) Social() bool {
	return t == SourceTwitter || t == SourceReddit
}

// Document is the extracted text of one fetched URL.
type Document struct {
	ID          string
	URL         string
	Title       string
	Text        string
	Type        SourceType
	PublishedAt time.Time
}

// SourceMeta is the provenance carried by every chunk.
type SourceMeta struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Type        SourceType `json:"source_type"`
	PublishedAt time.Time  `json:"published_at,omitempty"`
}

// Span is a half-open token range [Start, End) within a document.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of tokens in the span.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether s and o share at least one token.
func (s Span) Overlaps(o Span) bool { return s.Start < o.End && o.Start < s.End }

// Union returns the smallest span covering s and o.
func (s Span) Union(o Span) Span {
	u := s
	if o.Start < u.Start {
		u.Start = o.Start
	}
	if o.End > u.End {
		u.End = o.End
	}
	return u
}

// DocumentChunk is an immutable token window of a document.
type DocumentChunk struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	Index      int        `json:"index"`
	Text       string     `json:"text"`
	Span       Span       `json:"token_span"`
	Source     SourceMeta `json:"source"`
}

// RankedChunk is a chunk annotated with its retrieval scores.
type RankedChunk struct {
	Chunk          DocumentChunk `json:"chunk"`
	RecallScore    float64       `json:"recall_score"`
	PrecisionScore float64       `json:"precision_score"`
	CombinedScore  float64       `json:"combined_score"`
	// RecallRank is the 0-based position after the recall stage; it breaks
	// ties between equal combined scores.
	RecallRank int `json:"recall_rank"`
}

// StageStatus records how a ranking stage went.
type StageStatus string

const (
	StageOK       StageStatus = "ok"
	StageFailed   StageStatus = "failed"
	StageFallback StageStatus = "lexical_fallback"
	StageSkipped  StageStatus = "skipped"
)

// Ranking is the result of Ranker.Rank.
type Ranking struct {
	Chunks     []RankedChunk `json:"chunks"`
	Recall     StageStatus   `json:"recall"`
	Precision  StageStatus   `json:"precision"`
	Candidates int           `json:"candidates"`
	Merged     int           `json:"merged"`
	Dropped    int           `json:"dropped"`
}

// Degraded reports whether either model stage failed.
func (r Ranking) Degraded() bool {
	return r.Recall != StageOK || r.Precision != StageOK
}
