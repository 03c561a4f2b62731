package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/retrieval"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const articlePage = `<!doctype html>
<html><head>
<title>Small models get faster</title>
<meta property="article:published_time" content="2026-10-17T08:30:00Z">
<meta property="og:site_name" content="Example Lab">
</head><body>
<nav>Home | About</nav>
<article>
<h1>Small models get faster</h1>
<p>Researchers released a distilled language model that runs twice as fast on commodity hardware while keeping most of the benchmark accuracy of the larger model it was distilled from.</p>
<p>The release includes quantized weights, an evaluation harness, and a short report describing the training recipe and the data mixture used for distillation.</p>
<p>Early users report that the model handles summarization and retrieval augmented question answering well, although long context reasoning still lags behind larger systems.</p>
</article>
<footer>Copyright</footer>
</body></html>`

func testConfig() config.FetchConfig {
	return config.FetchConfig{
		Timeout:   5 * time.Second,
		MaxChars:  5000,
		MinChars:  100,
		UserAgent: "askace-test",
		Retry:     config.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
}

func TestHTTPFetcherExtractsArticle(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articlePage)
	}))
	defer srv.Close()

	res, err := NewHTTPFetcher(testConfig(), nil).Fetch(context.Background(), srv.URL+"/post")
	require.NoError(t, err)
	assert.Equal(t, "askace-test", ua.Load())
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, res.Title, "Small models get faster")
	assert.Contains(t, res.Text, "distilled language model")
	assert.Equal(t, time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC), res.PublishedAt)
	assert.False(t, res.FetchedAt.IsZero())

	doc := res.Document(retrieval.SourceBlogs, "hint", time.Time{})
	assert.Equal(t, res.Title, doc.Title)
	assert.Equal(t, retrieval.SourceBlogs, doc.Type)
	assert.Len(t, doc.ID, 16)
}

func TestHTTPFetcherPlainText(t *testing.T) {
	body := strings.Repeat("plain text body line about retrieval.\n", 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	res, err := NewHTTPFetcher(testConfig(), nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Text, "plain text body line"))
}

func TestHTTPFetcherNotFoundIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(testConfig(), nil).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrFetch))
	assert.Equal(t, failure.ReasonFetch, failure.ReasonOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHTTPFetcherRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, articlePage)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(testConfig(), nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPFetcherThinPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div id="root"></div><p>Loading</p></body></html>`)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(testConfig(), nil).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThin)
	assert.ErrorIs(t, err, failure.ErrFetch)
}

type stubFetcher struct {
	calls int32
	res   Result
	err   error
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (Result, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return Result{}, s.err
	}
	r := s.res
	r.URL = url
	return r, nil
}

func TestFallbackTriesNext(t *testing.T) {
	first := &stubFetcher{err: fetchErr("u", ErrThin)}
	second := &stubFetcher{res: Result{Text: "rendered", Rendered: true}}
	res, err := Fallback(nil, first, second).Fetch(context.Background(), "https://spa.example.com")
	require.NoError(t, err)
	assert.True(t, res.Rendered)
	assert.EqualValues(t, 1, first.calls)
	assert.EqualValues(t, 1, second.calls)
}

func TestFallbackJoinsErrors(t *testing.T) {
	a := &stubFetcher{err: errors.New("dns")}
	b := &stubFetcher{err: errors.New("chrome missing")}
	_, err := Fallback(nil, a, b).Fetch(context.Background(), "https://x.example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrFetch)
	assert.Contains(t, err.Error(), "dns")
	assert.Contains(t, err.Error(), "chrome missing")
}

func TestScanMetaFallsBackToTimeElement(t *testing.T) {
	m := scanMeta(`<html><head><title> Release notes </title></head><body><time datetime="2026-09-01">Sep 1</time></body></html>`)
	assert.Equal(t, "Release notes", m.title)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), m.published)
}

func TestCleanTextKeepsParagraphs(t *testing.T) {
	got := cleanText("  one   two \n\n\n\n three\n   \nfour ")
	assert.Equal(t, "one two\n\nthree\n\nfour", got)
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestCachedFetcherServesRepeatsFromRedis(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()
	inner := &stubFetcher{res: Result{Title: "cached", Text: "body"}}
	c := NewCachedFetcher(inner, rdb, time.Minute, nil)

	first, err := c.Fetch(ctx, "https://example.com/a?utm_source=x")
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := c.Fetch(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, "cached", second.Title)
	assert.EqualValues(t, 1, inner.calls)
}

func TestCachedFetcherDoesNotCacheFailures(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()
	inner := &stubFetcher{err: fetchErr("u", errors.New("boom"))}
	c := NewCachedFetcher(inner, rdb, time.Minute, nil)

	_, err := c.Fetch(ctx, "https://example.com/b")
	require.Error(t, err)
	_, err = c.Fetch(ctx, "https://example.com/b")
	require.Error(t, err)
	assert.EqualValues(t, 2, inner.calls)
}
