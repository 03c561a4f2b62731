package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mohammad-safakhou/askace/internal/transport"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave web search API.
type Brave struct {
	apiKey   string
	endpoint string
	client   *transport.Client
	now      func() time.Time
}

// NewBrave builds a Brave provider. An empty endpoint uses the public API.
func NewBrave(apiKey, endpoint string, client *transport.Client) *Brave {
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	return &Brave{apiKey: apiKey, endpoint: endpoint, client: client, now: time.Now}
}

func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			PageAge     string `json:"page_age"`
			Age         string `json:"age"`
		} `json:"results"`
	} `json:"web"`
}

func (b *Brave) Search(ctx context.Context, q Query, k int) ([]Result, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("count", strconv.Itoa(k))
	if f := b.freshness(q.FreshnessDays); f != "" {
		params.Set("freshness", f)
	}
	headers := map[string]string{
		"Accept":               "application/json",
		"X-Subscription-Token": b.apiKey,
	}
	var raw braveResponse
	if err := b.client.DoJSON(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), headers, nil, &raw); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}
	now := b.now()
	var out []Result
	for i, r := range raw.Web.Results {
		if i >= k {
			break
		}
		if r.URL == "" {
			continue
		}
		published := parseAge(r.PageAge, now)
		if published.IsZero() {
			published = parseAge(r.Age, now)
		}
		out = append(out, Result{
			URL:         r.URL,
			Title:       r.Title,
			Snippet:     r.Description,
			Score:       rankScore(i),
			Type:        q.Type,
			PublishedAt: published,
		})
	}
	return out, nil
}

// freshness renders a day window as the date range form Brave accepts.
func (b *Brave) freshness(days int) string {
	if days <= 0 {
		return ""
	}
	now := b.now().UTC()
	return now.AddDate(0, 0, -days).Format("2006-01-02") + "to" + now.Format("2006-01-02")
}

// rankScore turns a result position into a score in (0,1].
func rankScore(pos int) float64 { return 1 / float64(pos+1) }
