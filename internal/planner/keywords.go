package planner

import (
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
)

// aliases lists the words that route a question to a source type. Words
// containing punctuation or spaces match as substrings; the rest must be
// whole words.
var aliases = []struct {
	t     retrieval.SourceType
	words []string
}{
	{retrieval.SourceArxiv, []string{"paper", "papers", "arxiv", "research", "publication", "preprint", "pdf", "study", "journal"}},
	{retrieval.SourceGitHub, []string{"github", "repo", "repository", "framework", "code", "implementation", "library", "sdk", "api", "install", "pip", "rust", "python"}},
	{retrieval.SourceHuggingFace, []string{"huggingface", "hugging face", "model", "models", "checkpoint", "dataset", "weights", "lora", "gguf", "quantized"}},
	{retrieval.SourceNews, []string{"news", "announce", "announced", "launch", "report", "release", "update", "breaking", "business", "startup", "funding"}},
	{retrieval.SourceBlogs, []string{"blog", "analysis", "review", "opinion", "newsletter", "guide", "tutorial", "how-to", "explained", "deep dive"}},
	{retrieval.SourceTwitter, []string{"twitter", "tweet", "tweets", "x.com", "reaction", "sentiment", "community", "thread", "digest", "influencers"}},
	{retrieval.SourceReddit, []string{"reddit", "thread", "discussion", "subreddit", "tricks", "hacks", "tips", "experience", "review", "comparison", "vs"}},
}

// recencyWords pull the social types into any plan.
var recencyWords = []string{"latest", "breaking", "today", "recent", "updates", "digest", "tricks", "hacks", "tips"}

var defaultTypes = []retrieval.SourceType{
	retrieval.SourceArxiv, retrieval.SourceGitHub, retrieval.SourceHuggingFace, retrieval.SourceNews, retrieval.SourceBlogs,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func words(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range nonAlnum.Split(strings.ToLower(text), -1) {
		if w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

// MatchSourceTypes returns the source types text implies, in the fixed
// alias order. With includeDefaults an unmatched text yields the broad
// discovery set.
func MatchSourceTypes(text string, includeDefaults bool) []retrieval.SourceType {
	lower := strings.ToLower(text)
	ws := words(text)
	has := func(w string) bool {
		if strings.ContainsAny(w, " .-") {
			return strings.Contains(lower, w)
		}
		_, ok := ws[w]
		return ok
	}
	var out []retrieval.SourceType
	for _, a := range aliases {
		for _, w := range a.words {
			if has(w) {
				out = append(out, a.t)
				break
			}
		}
	}
	for _, w := range recencyWords {
		if has(w) {
			out = mergeTypes(out, []retrieval.SourceType{retrieval.SourceTwitter, retrieval.SourceReddit})
			break
		}
	}
	if len(out) == 0 && includeDefaults {
		out = append(out, defaultTypes...)
	}
	return out
}

var focusStop = map[string]bool{
	"what": true, "whats": true, "new": true, "latest": true, "compare": true,
	"versus": true, "vs": true, "digest": true,
}

// FocusTerms returns up to six distinctive words of the question.
func FocusTerms(question string) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range nonAlnum.Split(strings.ToLower(question), -1) {
		if len(w) <= 3 || focusStop[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == 6 {
			break
		}
	}
	return out
}

func keywordTerms(text string) []string {
	var out []string
	for w := range words(text) {
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

// rewrite is a parsed query_rewrite item: "[source:]trigger => rewrite".
type rewrite struct {
	id      string
	source  string
	trigger string
	text    string
}

// recentDirective asks for a tighter recency window instead of adding
// query words.
const recentDirective = "sort:recent"

// apply returns the words to append and the adjusted freshness window.
func (r rewrite) apply(freshnessDays int) (string, int) {
	var keep []string
	for _, f := range strings.Fields(r.text) {
		if strings.EqualFold(f, recentDirective) {
			switch {
			case freshnessDays <= 0:
				freshnessDays = 7
			case freshnessDays > 1:
				freshnessDays /= 2
			}
			continue
		}
		keep = append(keep, f)
	}
	return strings.Join(keep, " "), freshnessDays
}

func parseRewrites(items []playbook.Item) []rewrite {
	var out []rewrite
	for _, it := range items {
		if it.Type != playbook.TypeQueryRewrite {
			continue
		}
		lhs, rhs, ok := strings.Cut(it.Content, "=>")
		rhs = strings.TrimSpace(rhs)
		if !ok || rhs == "" {
			continue
		}
		rw := rewrite{id: it.ID, trigger: strings.ToLower(strings.TrimSpace(lhs)), text: rhs}
		if src, trig, ok := strings.Cut(rw.trigger, ":"); ok {
			rw.source, rw.trigger = strings.TrimSpace(src), strings.TrimSpace(trig)
		}
		out = append(out, rw)
	}
	return out
}

// matchRewrite returns the first rewrite whose source filter admits t and
// whose trigger occurs in the task or question. An empty trigger applies
// to every query of its source.
func matchRewrite(rws []rewrite, t retrieval.SourceType, task, question string) (rewrite, bool) {
	task, question = strings.ToLower(task), strings.ToLower(question)
	for _, rw := range rws {
		if rw.source != "" && !sourceMatches(rw.source, t) {
			continue
		}
		if rw.trigger == "" || strings.Contains(task, rw.trigger) || strings.Contains(question, rw.trigger) {
			return rw, true
		}
	}
	return rewrite{}, false
}

func sourceMatches(key string, t retrieval.SourceType) bool {
	if key == string(t) {
		return true
	}
	for _, a := range aliases {
		if a.t != t {
			continue
		}
		for _, w := range a.words {
			if w == key {
				return true
			}
		}
	}
	return false
}
