package search

import (
	"strings"

	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
)

var domainTypes = map[string]retrieval.SourceType{
	"arxiv.org":            retrieval.SourceArxiv,
	"export.arxiv.org":     retrieval.SourceArxiv,
	"paperswithcode.com":   retrieval.SourceArxiv,
	"openreview.net":       retrieval.SourceArxiv,
	"github.com":           retrieval.SourceGitHub,
	"gist.github.com":      retrieval.SourceGitHub,
	"huggingface.co":       retrieval.SourceHuggingFace,
	"hf.co":                retrieval.SourceHuggingFace,
	"x.com":                retrieval.SourceTwitter,
	"twitter.com":          retrieval.SourceTwitter,
	"mobile.twitter.com":   retrieval.SourceTwitter,
	"nitter.net":           retrieval.SourceTwitter,
	"reddit.com":           retrieval.SourceReddit,
	"old.reddit.com":       retrieval.SourceReddit,
	"techcrunch.com":       retrieval.SourceNews,
	"theverge.com":         retrieval.SourceNews,
	"venturebeat.com":      retrieval.SourceNews,
	"reuters.com":          retrieval.SourceNews,
	"bloomberg.com":        retrieval.SourceNews,
	"wired.com":            retrieval.SourceNews,
	"arstechnica.com":      retrieval.SourceNews,
	"cnbc.com":             retrieval.SourceNews,
	"nytimes.com":          retrieval.SourceNews,
	"bbc.com":              retrieval.SourceNews,
	"theinformation.com":   retrieval.SourceNews,
	"technologyreview.com": retrieval.SourceNews,
	"medium.com":           retrieval.SourceBlogs,
	"substack.com":         retrieval.SourceBlogs,
	"dev.to":               retrieval.SourceBlogs,
	"lesswrong.com":        retrieval.SourceBlogs,
}

// Classify maps a URL to a source type by its domain. Unknown domains keep
// the type of the query that found them.
func Classify(rawURL string, fallback retrieval.SourceType) retrieval.SourceType {
	host := helpers.Domain(rawURL)
	if host == "" {
		return orOther(fallback)
	}
	for h := host; h != ""; h = parent(h) {
		if t, ok := domainTypes[h]; ok {
			return t
		}
	}
	if strings.HasPrefix(host, "blog.") || strings.HasSuffix(host, ".blog") || strings.Contains(host, ".substack.") {
		return retrieval.SourceBlogs
	}
	return orOther(fallback)
}

func parent(host string) string {
	i := strings.IndexByte(host, '.')
	if i < 0 {
		return ""
	}
	rest := host[i+1:]
	if !strings.Contains(rest, ".") {
		return ""
	}
	return rest
}

func orOther(t retrieval.SourceType) retrieval.SourceType {
	if t == "" {
		return retrieval.SourceOther
	}
	return t
}
