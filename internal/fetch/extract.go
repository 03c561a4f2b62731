package fetch

import (
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/askace/internal/helpers"
	"golang.org/x/net/html"
)

// publishedKeys are meta property or name values that carry a
// publication date, in order of preference.
var publishedKeys = []string{
	"article:published_time",
	"og:published_time",
	"datepublished",
	"date",
	"dc.date",
	"pubdate",
}

// extract runs readability over page and fills Title, Byline, SiteName,
// Text and PublishedAt. maxChars bounds the text.
func extract(page, pageURL string, maxChars int) Result {
	var res Result
	meta := scanMeta(page)
	if article, err := readability.FromReader(strings.NewReader(page), mustParseURL(pageURL)); err == nil {
		res.Title = strings.TrimSpace(article.Title)
		res.Byline = strings.TrimSpace(article.Byline)
		res.SiteName = strings.TrimSpace(article.SiteName)
		res.Text = cleanText(article.TextContent)
	}
	if res.Title == "" {
		res.Title = meta.title
	}
	if res.Text == "" {
		res.Text = cleanText(helpers.PlainText(page))
	}
	res.Text = helpers.Truncate(res.Text, maxChars)
	res.PublishedAt = meta.published
	return res
}

// cleanText collapses runs of blank lines and trailing spaces while
// keeping paragraph breaks.
func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = helpers.CollapseSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

type pageMeta struct {
	title     string
	published time.Time
}

// scanMeta reads the head of page for a title and a publication date.
func scanMeta(page string) pageMeta {
	var m pageMeta
	found := map[string]string{}
	var timeAttr string
	z := html.NewTokenizer(strings.NewReader(page))
	inTitle := false
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			m.published = pickDate(found, timeAttr)
			return m
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "title":
				inTitle = m.title == ""
			case "meta":
				var key, content string
				for _, a := range tok.Attr {
					switch strings.ToLower(a.Key) {
					case "property", "name", "itemprop":
						key = strings.ToLower(a.Val)
					case "content":
						content = a.Val
					}
				}
				if key != "" && content != "" {
					if _, ok := found[key]; !ok {
						found[key] = content
					}
				}
			case "time":
				for _, a := range tok.Attr {
					if a.Key == "datetime" && timeAttr == "" {
						timeAttr = a.Val
					}
				}
			}
		case html.TextToken:
			if inTitle {
				m.title = helpers.CollapseSpace(string(z.Text()))
				inTitle = false
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}

func pickDate(found map[string]string, timeAttr string) time.Time {
	for _, k := range publishedKeys {
		if v, ok := found[k]; ok {
			if t, err := dateparse.ParseIn(strings.TrimSpace(v), time.UTC); err == nil {
				return t.UTC()
			}
		}
	}
	if timeAttr != "" {
		if t, err := dateparse.ParseIn(strings.TrimSpace(timeAttr), time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
