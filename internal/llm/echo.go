package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/askace/internal/helpers"
)

var (
	sourceLine  = regexp.MustCompile(`^\[(\d+)\]\s`)
	draftHeader = "Draft summary:"
)

// EchoClient is an offline generator. Given a synthesis prompt it answers
// with extractive bullets, one per numbered source, citing the source
// label; given a refinement prompt it returns the draft unchanged. Any
// other prompt is echoed back as a single bullet.
type EchoClient struct {
	name       string
	maxBullets int
}

// NewEchoClient returns an echo client that emits at most maxBullets bullets.
func NewEchoClient(name string, maxBullets int) *EchoClient {
	if maxBullets <= 0 {
		maxBullets = 5
	}
	return &EchoClient{name: name, maxBullets: maxBullets}
}

func (e *EchoClient) Name() string { return e.name }

func (e *EchoClient) Complete(ctx context.Context, _ string, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if draft, ok := extractDraft(p.User); ok {
		return draft, nil
	}
	if out := e.extractive(p.User); out != "" {
		return out, nil
	}
	first, _, _ := strings.Cut(strings.TrimSpace(p.User), "\n")
	return "- " + first, nil
}

func extractDraft(prompt string) (string, bool) {
	i := strings.Index(prompt, draftHeader)
	if i < 0 {
		return "", false
	}
	rest := prompt[i+len(draftHeader):]
	if k := strings.Index(rest, "\n\nImprove density"); k >= 0 {
		rest = rest[:k]
	}
	return strings.TrimSpace(rest), true
}

func (e *EchoClient) extractive(prompt string) string {
	var (
		b     strings.Builder
		label string
		seen  = map[string]bool{}
		n     int
	)
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if m := sourceLine.FindStringSubmatch(line); m != nil {
			label = m[1]
			continue
		}
		snippet, ok := strings.CutPrefix(line, "Snippet:")
		if !ok || label == "" || seen[label] {
			continue
		}
		seen[label] = true
		sentence := firstSentence(strings.TrimSpace(snippet), 220)
		if sentence == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s [%s]\n", sentence, label)
		n++
		if n >= e.maxBullets {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func firstSentence(text string, limit int) string {
	if i := strings.Index(text, ". "); i >= 0 {
		text = text[:i+1]
	}
	if len(text) > limit {
		text = helpers.Truncate(text, limit)
		if j := strings.LastIndex(text, " "); j > 0 {
			text = text[:j]
		}
	}
	return strings.TrimSpace(text)
}
