package search

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mohammad-safakhou/askace/internal/transport"
)

const serperEndpoint = "https://google.serper.dev/search"

// Serper queries Google results through serper.dev.
type Serper struct {
	apiKey   string
	endpoint string
	client   *transport.Client
	now      func() time.Time
}

// NewSerper builds a Serper provider. An empty endpoint uses the public API.
func NewSerper(apiKey, endpoint string, client *transport.Client) *Serper {
	if endpoint == "" {
		endpoint = serperEndpoint
	}
	return &Serper{apiKey: apiKey, endpoint: endpoint, client: client, now: time.Now}
}

func (s *Serper) Name() string { return "serper" }

type serperResponse struct {
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Date     string `json:"date"`
		Position int    `json:"position"`
	} `json:"organic"`
}

func (s *Serper) Search(ctx context.Context, q Query, k int) ([]Result, error) {
	payload := map[string]any{"q": q.Text, "num": k}
	if tbs := serperRecency(q.FreshnessDays); tbs != "" {
		payload["tbs"] = tbs
	}
	headers := map[string]string{"X-API-KEY": s.apiKey}
	var raw serperResponse
	if err := s.client.DoJSON(ctx, http.MethodPost, s.endpoint, headers, payload, &raw); err != nil {
		return nil, fmt.Errorf("serper: %w", err)
	}
	now := s.now()
	var out []Result
	for i, r := range raw.Organic {
		if i >= k {
			break
		}
		if r.Link == "" {
			continue
		}
		pos := i
		if r.Position > 0 {
			pos = r.Position - 1
		}
		out = append(out, Result{
			URL:         r.Link,
			Title:       r.Title,
			Snippet:     r.Snippet,
			Score:       rankScore(pos),
			Type:        q.Type,
			PublishedAt: parseAge(r.Date, now),
		})
	}
	return out, nil
}

// serperRecency maps a day window onto Google's coarse qdr buckets.
func serperRecency(days int) string {
	switch {
	case days <= 0:
		return ""
	case days <= 1:
		return "qdr:d"
	case days <= 7:
		return "qdr:w"
	case days <= 31:
		return "qdr:m"
	default:
		return "qdr:y"
	}
}

var relativeAge = regexp.MustCompile(`^(\d+)\s+(minute|hour|day|week|month|year)s?\s+ago$`)

// parseAge reads absolute dates and "3 days ago" style ages. Unparseable
// values yield the zero time.
func parseAge(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if m := relativeAge.FindStringSubmatch(strings.ToLower(s)); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "minute":
			return now.Add(-time.Duration(n) * time.Minute).UTC()
		case "hour":
			return now.Add(-time.Duration(n) * time.Hour).UTC()
		case "day":
			return now.AddDate(0, 0, -n).UTC()
		case "week":
			return now.AddDate(0, 0, -7*n).UTC()
		case "month":
			return now.AddDate(0, -n, 0).UTC()
		case "year":
			return now.AddDate(-n, 0, 0).UTC()
		}
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
