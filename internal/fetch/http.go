package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/helpers"
	"github.com/mohammad-safakhou/askace/internal/transport"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// HTTPFetcher downloads pages with a plain GET and extracts them with
// readability. Hosts that block direct access go through the reader proxy.
type HTTPFetcher struct {
	client    *http.Client
	policy    transport.RetryPolicy
	userAgent string
	maxChars  int
	minChars  int
	proxy     string
	hosts     HostPolicy
	logger    *zap.Logger
	now       func() time.Time
}

// NewHTTPFetcher builds a fetcher from the fetch config.
func NewHTTPFetcher(cfg config.FetchConfig, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	policy := transport.PolicyFromConfig(cfg.Retry)
	policy.CallTimeout = timeout
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		policy:    policy,
		userAgent: cfg.UserAgent,
		maxChars:  cfg.MaxChars,
		minChars:  cfg.MinChars,
		proxy:     cfg.ReaderProxy,
		hosts:     NewHostPolicy(cfg),
		logger:    logger.Named("fetch.http"),
		now:       time.Now,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, raw string) (Result, error) {
	if strings.TrimSpace(raw) == "" {
		return Result{}, fetchErr(raw, fmt.Errorf("empty url"))
	}
	target := helpers.FetchURL(raw)
	if p := helpers.ReaderProxyURL(f.proxy, target); p != "" {
		target = p
	} else if f.proxy != "" && f.hosts.Proxied(target) {
		target = strings.TrimSuffix(f.proxy, "/") + "/" + target
	}

	var body []byte
	var status int
	var plain bool
	err := f.policy.Do(ctx, func(actx context.Context) error {
		req, err := http.NewRequestWithContext(actx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if f.userAgent != "" {
			req.Header.Set("User-Agent", f.userAgent)
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			serr := &transport.StatusError{Code: resp.StatusCode}
			if !serr.Retryable() {
				return backoff.Permanent(serr)
			}
			return serr
		}
		mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		plain = mt == "text/plain" || mt == "text/markdown"
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return err
	}, func(err error, wait time.Duration) {
		f.logger.Debug("retrying fetch", zap.String("url", target), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return Result{URL: raw, FetchURL: target, Status: status}, fetchErr(raw, err)
	}

	var res Result
	if plain {
		res = Result{Text: helpers.Truncate(cleanText(string(body)), f.maxChars)}
	} else {
		res = extract(string(body), target, f.maxChars)
	}
	res.URL, res.FetchURL, res.Status, res.FetchedAt = raw, target, status, f.now().UTC()
	if len(res.Text) < f.minChars {
		return res, fetchErr(raw, fmt.Errorf("%w: %d chars", ErrThin, len(res.Text)))
	}
	return res, nil
}
