package synth

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/llm"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
)

const (
	draftSystem = "You are an expert AI/ML research analyst. Synthesize concise, actionable " +
		"bullet points (news, tricks, updates) with precise inline citations."
	refineSystem = "You enhance research summaries using chain-of-density. Output ONLY the refined bullet points."
)

func buildContext(ranked []retrieval.RankedChunk, labels map[string]int, snippetChars int) string {
	var b strings.Builder
	for _, rc := range ranked {
		c := rc.Chunk
		text := helpers.Truncate(c.Text, snippetChars)
		fmt.Fprintf(&b, "[%d] %s (%s)\nURL: %s\nSnippet: %s\n\n", labels[c.Source.URL], c.Source.Title, c.Source.Type, c.Source.URL, text)
	}
	return strings.TrimSpace(b.String())
}

func draftPrompt(question, evidence string, o options, maxBullets, minBullets int) llm.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nContext snippets:\n%s\n\nInstructions:\n", question, evidence)
	fmt.Fprintf(&b, "1. Write %d-%d bullet points using the format '- [Claim] [citation]'.\n", minBullets, maxBullets)
	b.WriteString("2. Each bullet must contain exactly one primary claim enriched with metrics/details.\n")
	b.WriteString("3. Use citation tags like [1], [2] referencing the snippet IDs provided in Context.\n")
	b.WriteString("4. Highlight practical tricks, breaking news, or benchmarks.\n")
	b.WriteString("5. Do NOT write any introduction or conclusion. Start directly with the bullets.\n")
	if o.strict {
		b.WriteString("6. Every bullet MUST end with at least one citation tag. Omit any claim you cannot cite.\n")
	}
	for _, h := range o.hints {
		fmt.Fprintf(&b, "- Guidance: %s\n", h)
	}
	return llm.Prompt{System: draftSystem, User: b.String(), Temperature: 0.2, MaxTokens: 600}
}

func refinePrompt(question, evidence, draft string) llm.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nContext:\n%s\n\nDraft summary:\n%s\n\n", question, evidence, draft)
	b.WriteString("Improve density with these rules:\n")
	b.WriteString("1. Preserve the bullet point format '- ...'.\n")
	b.WriteString("2. Insert missing proper nouns, datasets, benchmarks, and license info.\n")
	b.WriteString("3. Keep every existing citation and add a citation [x] to any uncited bullet.\n")
	b.WriteString("4. Do not introduce information absent from the context.\n")
	b.WriteString("5. Output ONLY the bullets. No preamble.")
	return llm.Prompt{System: refineSystem, User: b.String(), Temperature: 0.2, MaxTokens: 600}
}

func renderDraft(bullets []AnswerBullet) string {
	lines := make([]string, len(bullets))
	for i, bl := range bullets {
		lines[i] = "- " + Render(bl)
	}
	return strings.Join(lines, "\n")
}
