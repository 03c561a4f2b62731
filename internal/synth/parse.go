package synth

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/askace/internal/retrieval"
)

var (
	numberedMarker = regexp.MustCompile(`^\d+[).]\s+`)
	citationMarker = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)
	spaceRun       = regexp.MustCompile(`\s+`)
)

// parseBullets extracts bullet lines from generator output. Parsing stops
// at a "Sources:" section. A non-marker line continues the previous bullet,
// or opens the first bullet when it looks like a sentence.
func parseBullets(text string) []AnswerBullet {
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "sources:") || lower == "sources" {
			break
		}
		if body, ok := stripMarker(line); ok {
			if body != "" {
				lines = append(lines, body)
			}
			continue
		}
		if len(lines) == 0 {
			if len(line) > 20 && !strings.HasSuffix(line, ":") {
				lines = append(lines, line)
			}
			continue
		}
		lines[len(lines)-1] += " " + line
	}

	out := make([]AnswerBullet, 0, len(lines))
	for _, l := range lines {
		out = append(out, splitCitations(l))
	}
	return out
}

func stripMarker(line string) (string, bool) {
	for _, m := range []string{"-", "*", "•"} {
		if strings.HasPrefix(line, m) {
			return strings.TrimSpace(strings.TrimLeft(line, "-*• ")), true
		}
	}
	if loc := numberedMarker.FindStringIndex(line); loc != nil {
		return strings.TrimSpace(line[loc[1]:]), true
	}
	return "", false
}

// splitCitations removes [n] and [n, m] markers from the text and returns
// the labels in order of first appearance.
func splitCitations(line string) AnswerBullet {
	var cites []int
	seen := map[int]bool{}
	for _, m := range citationMarker.FindAllStringSubmatch(line, -1) {
		for _, part := range strings.Split(m[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || seen[n] {
				continue
			}
			seen[n] = true
			cites = append(cites, n)
		}
	}
	text := citationMarker.ReplaceAllString(line, "")
	text = spaceRun.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, " .")
	return AnswerBullet{Text: text, Citations: cites}
}

// keepValid drops citation labels that do not resolve to a source.
func keepValid(bullets []AnswerBullet, nSources int) []AnswerBullet {
	out := make([]AnswerBullet, len(bullets))
	for i, b := range bullets {
		var cites []int
		for _, c := range b.Citations {
			if c >= 1 && c <= nSources {
				cites = append(cites, c)
			}
		}
		out[i] = AnswerBullet{Text: b.Text, Citations: cites}
	}
	return out
}

// Density scores bullets as information units per token. Units are tokens
// carrying a number, acronyms, and capitalised words past the first token
// of a bullet, which approximates named entities, metrics and datasets.
func Density(bullets []AnswerBullet, tok retrieval.Tokenizer) float64 {
	var units, tokens int
	for _, b := range bullets {
		toks := tok.Tokens(b.Text)
		tokens += len(toks)
		for i, t := range toks {
			if isUnit(t, i) {
				units++
			}
		}
	}
	if tokens == 0 {
		return 0
	}
	return float64(units) / float64(tokens)
}

func isUnit(tok string, pos int) bool {
	tok = strings.TrimFunc(tok, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	if tok == "" {
		return false
	}
	var upper, letters int
	for _, r := range tok {
		if unicode.IsDigit(r) {
			return true
		}
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if upper >= 2 && upper*2 >= letters {
		return true
	}
	return pos > 0 && upper > 0 && unicode.IsUpper([]rune(tok)[0])
}

// Render formats a bullet with its citation markers, e.g. "claim [1][3]".
func Render(b AnswerBullet) string {
	cites := append([]int(nil), b.Citations...)
	sort.Ints(cites)
	var sb strings.Builder
	sb.WriteString(b.Text)
	for i, c := range cites {
		if i == 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString("[" + strconv.Itoa(c) + "]")
	}
	return sb.String()
}
