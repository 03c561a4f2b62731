package retrieval

import "strings"

// Tokenizer is the single token model shared by chunking, ranking and
// synthesis so that token budgets are comparable across stages.
type Tokenizer interface {
	Tokens(text string) []string
	Count(text string) int
}

// WordTokenizer splits on Unicode whitespace.
type WordTokenizer struct{}

func (WordTokenizer) Tokens(text string) []string { return strings.Fields(text) }

func (WordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

// DefaultTokenizer is the process-wide tokenizer.
var DefaultTokenizer Tokenizer = WordTokenizer{}
