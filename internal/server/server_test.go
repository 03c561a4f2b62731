package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/askace/config"
	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/pipeline"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/mohammad-safakhou/askace/internal/synth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

type fakeAnswerer struct {
	resp pipeline.Response
	err  error
	got  pipeline.Request
}

func (f *fakeAnswerer) Answer(_ context.Context, req pipeline.Request) (pipeline.Response, error) {
	f.got = req
	return f.resp, f.err
}

func seedItems() []playbook.Item {
	return []playbook.Item{
		{ID: "source_rule:prefer-arxiv", Type: playbook.TypeSourceRule, Content: "Prefer arxiv for research questions", Tags: []string{"research"}, Version: 1},
		{ID: "query_rewrite:add-year", Type: playbook.TypeQueryRewrite, Content: "Add the current year to news queries", Tags: []string{"news"}, Version: 1},
	}
}

func newTestServer(t *testing.T, a Answerer) (*Server, *playbook.MemoryStore) {
	t.Helper()
	store := playbook.NewMemoryStore(seedItems()...)
	srv := New(Deps{
		Answerer: a,
		Store:    store,
		Curator:  ace.NewCurator(store, ace.CuratorConfig{DedupThreshold: 0.85, DensityGain: 0.1}, nil),
		Secret:   testSecret,
	}, nil)
	return srv, store
}

func do(t *testing.T, srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) HTTPError {
	t.Helper()
	var out HTTPError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAnswerOK(t *testing.T) {
	a := &fakeAnswerer{resp: pipeline.Response{
		RunID:    "run-1",
		Question: "what is new in rag",
		Bullets:  []synth.AnswerBullet{{Text: "Hybrid retrieval is common.", Citations: []int{1}}},
		Sources:  []synth.SourceRef{{Label: 1, URL: "https://arxiv.org/abs/1", Title: "Hybrid"}},
		Coverage: 1,
	}}
	srv, _ := newTestServer(t, a)

	rec := do(t, srv, http.MethodPost, "/api/answer", `{"question":"what is new in rag","max_sources":5,"fresh_only":true}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "what is new in rag", a.got.Question)
	assert.Equal(t, 5, a.got.MaxSources)
	assert.True(t, a.got.FreshOnly)
	assert.True(t, a.got.UsePlaybook())

	var out pipeline.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "run-1", out.RunID)
	require.Len(t, out.Bullets, 1)
	assert.Equal(t, []int{1}, out.Bullets[0].Citations)
}

func TestAnswerMapsFailureReasons(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		reason failure.Reason
	}{
		{"generation", failure.Newf(failure.ReasonGeneration, "synthesize", "all providers failed"), http.StatusBadGateway, failure.ReasonGeneration},
		{"fetch", failure.Newf(failure.ReasonFetch, "fetch", "no documents"), http.StatusFailedDependency, failure.ReasonFetch},
		{"timeout", failure.New(failure.ReasonTimeout, "answer", context.DeadlineExceeded), http.StatusGatewayTimeout, failure.ReasonTimeout},
		{"invalid", failure.Newf(failure.ReasonInvalidInput, "request", "question too short"), http.StatusBadRequest, failure.ReasonInvalidInput},
		{"untyped", assert.AnError, http.StatusInternalServerError, failure.ReasonInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeAnswerer{err: tc.err})
			rec := do(t, srv, http.MethodPost, "/api/answer", `{"question":"anything goes"}`, "")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, string(tc.reason), decodeError(t, rec).Reason)
		})
	}
}

func TestAnswerRejectsMalformedJSON(t *testing.T) {
	a := &fakeAnswerer{}
	srv, _ := newTestServer(t, a)
	rec := do(t, srv, http.MethodPost, "/api/answer", `{"question":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(failure.ReasonInvalidInput), decodeError(t, rec).Reason)
	assert.Empty(t, a.got.Question, "answerer must not run")
}

func TestListPlaybookByTag(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAnswerer{})

	rec := do(t, srv, http.MethodGet, "/api/playbook?tag=Research", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out PlaybookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Items, 1)
	assert.Equal(t, "source_rule:prefer-arxiv", out.Items[0].ID)

	rec = do(t, srv, http.MethodGet, "/api/playbook", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Items, 2)

	rec = do(t, srv, http.MethodGet, "/api/playbook?tag=nothing", "", "")
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestGetPlaybookItem(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAnswerer{})
	rec := do(t, srv, http.MethodGet, "/api/playbook/query_rewrite:add-year", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var it playbook.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &it))
	assert.Equal(t, playbook.TypeQueryRewrite, it.Type)

	rec = do(t, srv, http.MethodGet, "/api/playbook/query_rewrite:missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeprecateRequiresToken(t *testing.T) {
	srv, store := newTestServer(t, &fakeAnswerer{})
	path := "/api/playbook/source_rule:prefer-arxiv/deprecate"

	rec := do(t, srv, http.MethodPost, path, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := SignToken("mallory", []byte("other-secret"), time.Hour, ScopePlaybookWrite)
	require.NoError(t, err)
	rec = do(t, srv, http.MethodPost, path, "", forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := SignToken("alice", testSecret, -time.Minute, ScopePlaybookWrite)
	require.NoError(t, err)
	rec = do(t, srv, http.MethodPost, path, "", expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	readOnly, err := SignToken("bob", testSecret, time.Hour)
	require.NoError(t, err)
	rec = do(t, srv, http.MethodPost, path, "", readOnly)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, ScopePlaybookWrite)

	items, err := store.Query(context.Background(), "research")
	require.NoError(t, err)
	assert.Len(t, items, 1, "nothing deprecated without authorisation")
}

func TestDeprecateItem(t *testing.T) {
	srv, store := newTestServer(t, &fakeAnswerer{})
	token, err := SignToken("alice", testSecret, time.Hour, ScopePlaybookWrite)
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPost, "/api/playbook/source_rule:prefer-arxiv/deprecate", `{"reason":"arxiv mirrors are flaky"}`, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out DeprecateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"source_rule:prefer-arxiv"}, out.Result.Deprecated)

	ctx := context.Background()
	items, err := store.Query(ctx, "research")
	require.NoError(t, err)
	assert.Empty(t, items)
	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, snap.Items, "source_rule:prefer-arxiv")
	assert.True(t, snap.Items["source_rule:prefer-arxiv"].Deprecated())

	rec = do(t, srv, http.MethodPost, "/api/playbook/source_rule:missing/deprecate", "", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeprecateAcceptsCookie(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAnswerer{})
	token, err := SignToken("alice", testSecret, time.Hour, ScopePlaybookWrite)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/playbook/query_rewrite:add-year/deprecate", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: token})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndDocs(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAnswerer{})
	rec := do(t, srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/openapi.yaml", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/answer")

	rec = do(t, srv, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoadJWTSecret(t *testing.T) {
	_, err := LoadJWTSecret(config.ServerConfig{})
	assert.Error(t, err)
	secret, err := LoadJWTSecret(config.ServerConfig{JWTSecret: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), secret)
}
