package retrieval

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Chunker splits documents into overlapping windows of at most MaxTokens
// tokens. Consecutive windows share exactly Stride tokens, so each window
// starts MaxTokens-Stride tokens after the previous one.
type Chunker struct {
	maxTokens int
	stride    int
	tok       Tokenizer
}

// NewChunker validates the window parameters. tok may be nil.
func NewChunker(maxTokens, stride int, tok Tokenizer) (*Chunker, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("chunker: max tokens must be > 0, got %d", maxTokens)
	}
	if stride < 0 || stride >= maxTokens {
		return nil, fmt.Errorf("chunker: stride must be in [0,%d), got %d", maxTokens, stride)
	}
	if tok == nil {
		tok = DefaultTokenizer
	}
	return &Chunker{maxTokens: maxTokens, stride: stride, tok: tok}, nil
}

// MaxTokens returns the window size.
func (c *Chunker) MaxTokens() int { return c.maxTokens }

// Stride returns the overlap between consecutive windows.
func (c *Chunker) Stride() int { return c.stride }

// Chunk produces the ordered windows covering doc. Empty text yields nil.
func (c *Chunker) Chunk(doc Document) []DocumentChunk {
	tokens := c.tok.Tokens(doc.Text)
	if len(tokens) == 0 {
		return nil
	}
	docID := doc.ID
	if docID == "" {
		docID = doc.URL
	}
	meta := SourceMeta{URL: doc.URL, Title: doc.Title, Type: doc.Type, PublishedAt: doc.PublishedAt}
	if meta.Type == "" {
		meta.Type = SourceOther
	}

	step := c.maxTokens - c.stride
	var out []DocumentChunk
	for start := 0; ; start += step {
		end := start + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		idx := len(out)
		out = append(out, DocumentChunk{
			ID:         chunkID(docID, idx),
			DocumentID: docID,
			Index:      idx,
			Text:       strings.Join(tokens[start:end], " "),
			Span:       Span{Start: start, End: end},
			Source:     meta,
		})
		if end == len(tokens) {
			break
		}
	}
	return out
}

// ChunkAll chunks every document, preserving document order.
func (c *Chunker) ChunkAll(docs []Document) []DocumentChunk {
	var out []DocumentChunk
	for _, d := range docs {
		out = append(out, c.Chunk(d)...)
	}
	return out
}

func chunkID(docID string, idx int) string {
	sum := sha1.Sum([]byte(docID + "#" + strconv.Itoa(idx)))
	return hex.EncodeToString(sum[:8])
}
