package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/helpers"
)

// BrowserFetcher renders pages in headless Chrome before extraction, for
// sites whose content is built by JavaScript.
type BrowserFetcher struct {
	Timeout   time.Duration
	MaxChars  int
	MinChars  int
	UserAgent string
}

// NewBrowserFetcher builds a browser fetcher from the fetch config.
func NewBrowserFetcher(cfg config.FetchConfig) *BrowserFetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &BrowserFetcher{Timeout: 2 * timeout, MaxChars: cfg.MaxChars, MinChars: cfg.MinChars, UserAgent: cfg.UserAgent}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, raw string) (Result, error) {
	if strings.TrimSpace(raw) == "" {
		return Result{}, fetchErr(raw, fmt.Errorf("empty url"))
	}
	target := helpers.FetchURL(raw)
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	page, err := f.outerHTML(ctx, target)
	if err != nil {
		return Result{URL: raw, FetchURL: target}, fetchErr(raw, err)
	}
	res := extract(page, target, f.MaxChars)
	res.URL, res.FetchURL, res.Status, res.Rendered, res.FetchedAt = raw, target, 200, true, time.Now().UTC()
	if len(res.Text) < f.MinChars {
		return res, fetchErr(raw, fmt.Errorf("%w: %d chars after render", ErrThin, len(res.Text)))
	}
	return res, nil
}

func (f *BrowserFetcher) outerHTML(ctx context.Context, link string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)
	if f.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.UserAgent))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var page string
	err := chromedp.Run(bctx,
		chromedp.Navigate(link),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &page, chromedp.ByQuery),
	)
	return page, err
}
