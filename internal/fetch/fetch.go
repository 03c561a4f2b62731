// Package fetch retrieves web pages and extracts their readable text. A
// plain HTTP fetch is tried first; pages that come back empty or thin can
// fall back to a headless browser, and results may be cached in redis.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Result is one fetched and extracted page.
type Result struct {
	URL         string    `json:"url"`
	FetchURL    string    `json:"fetch_url"`
	Status      int       `json:"status"`
	Title       string    `json:"title"`
	Byline      string    `json:"byline,omitempty"`
	SiteName    string    `json:"site_name,omitempty"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Rendered    bool      `json:"rendered"`
	FromCache   bool      `json:"-"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Document converts the result into ranking input. Title and date hints
// from the search result fill what extraction could not find.
func (r Result) Document(t retrieval.SourceType, titleHint string, publishedHint time.Time) retrieval.Document {
	title := r.Title
	if title == "" {
		title = titleHint
	}
	published := r.PublishedAt
	if published.IsZero() {
		published = publishedHint
	}
	return retrieval.Document{
		ID:          helpers.URLKey(r.URL)[:16],
		URL:         r.URL,
		Title:       title,
		Text:        r.Text,
		Type:        t,
		PublishedAt: published,
	}
}

// Fetcher retrieves one URL. Failures are *failure.Error values with
// reason fetch_failure.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Result, error)
}

// ErrThin marks a page whose extracted text is shorter than the minimum.
var ErrThin = errors.New("extracted text too short")

func fetchErr(url string, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Reason == failure.ReasonFetch {
		return err
	}
	return failure.New(failure.ReasonFetch, "fetch "+url, err)
}

// New assembles the configured fetcher: HTTP first, the browser when
// enabled, a redis cache in front when rdb is non-nil, and the host
// policy outermost.
func New(cfg config.FetchConfig, rdb redis.Cmdable, logger *zap.Logger) Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	var f Fetcher = NewHTTPFetcher(cfg, logger)
	if cfg.BrowserFallback {
		f = Fallback(logger, f, NewBrowserFetcher(cfg))
	}
	if rdb != nil && cfg.CacheTTL > 0 {
		f = NewCachedFetcher(f, rdb, cfg.CacheTTL, logger)
	}
	if hosts := NewHostPolicy(cfg); !hosts.Empty() {
		f = Guard(f, hosts)
	}
	return f
}

// fallback tries each fetcher in order until one succeeds.
type fallback struct {
	fetchers []Fetcher
	logger   *zap.Logger
}

// Fallback returns a Fetcher that tries fetchers in order.
func Fallback(logger *zap.Logger, fetchers ...Fetcher) Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallback{fetchers: fetchers, logger: logger.Named("fetch")}
}

func (f *fallback) Fetch(ctx context.Context, url string) (Result, error) {
	var errs []error
	for i, fe := range f.fetchers {
		res, err := fe.Fetch(ctx, url)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, fetchErr(url, ctx.Err())
		}
		f.logger.Debug("fetcher failed", zap.Int("fetcher", i), zap.String("url", url), zap.Error(err))
		errs = append(errs, err)
	}
	return Result{}, fetchErr(url, errors.Join(errs...))
}
