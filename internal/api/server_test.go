package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/clock/system"
	"github.com/JakeFAU/refcrawler/internal/config"
	"github.com/JakeFAU/refcrawler/internal/crawler"
	storemem "github.com/JakeFAU/refcrawler/internal/storage/memory"
)

const (
	jobA = "01890a5d-ac96-774b-bcce-b302099a8057"
	jobB = "01890a5d-ac96-774b-bcce-b302099a8058"
)

type fakeQueue struct {
	mu       sync.Mutex
	items    []crawler.QueueItem
	canceled []string
	running  map[string]bool
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, item crawler.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceled = append(q.canceled, jobID)
	return q.running[jobID]
}

func (q *fakeQueue) Items() []crawler.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]crawler.QueueItem(nil), q.items...)
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "", errors.New("out of ids")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

func testConfig() config.Config {
	return config.Config{
		Crawl: config.CrawlConfig{
			RootURL:     "https://example.com/",
			RootMode:    "full",
			RootTTLDays: 1,
			MaxDepth:    1,
		},
		StandardCrawls: map[string]crawler.CrawlRequest{
			"frontpage": {URL: "https://news.example.com/", Mode: "headlines", MaxDepth: 2, TTLDays: 3},
		},
	}
}

type testEnv struct {
	server *Server
	jobs   *storemem.JobStore
	queue  *fakeQueue
}

func newTestEnv(cfg config.Config) *testEnv {
	jobs := storemem.NewJobStore()
	queue := &fakeQueue{running: map[string]bool{}}
	idGen := &fakeIDGen{ids: []string{jobA, jobB}}
	clock := system.NewFixed(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return &testEnv{
		server: NewServer(jobs, queue, idGen, clock, cfg, zap.NewNop()),
		jobs:   jobs,
		queue:  queue,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitCrawlAppliesDefaults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	rec := env.do(t, http.MethodPost, "/v1/crawls", `{"url":"https://example.com/world"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, jobA, body["job_id"])
	assert.Equal(t, "queued", body["status"])

	items := env.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, crawler.CrawlRequest{
		URL: "https://example.com/world", Mode: crawler.ModeFull, MaxDepth: 1, TTLDays: 1,
	}, items[0].Params)

	job, err := env.jobs.GetJob(context.Background(), jobA)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusQueued, job.Status)
	assert.Equal(t, items[0].Params, job.Parameters)
}

func TestSubmitCrawlHonorsExplicitValues(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	rec := env.do(t, http.MethodPost, "/v1/crawls",
		`{"url":"https://example.com/","mode":"headlines-only","max_depth":0,"ttl_days":0}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	items := env.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, crawler.ModeHeadlines, items[0].Params.Mode)
	assert.Equal(t, 0, items[0].Params.MaxDepth)
	assert.Equal(t, 0, items[0].Params.TTLDays)
}

func TestSubmitCrawlRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: `{invalid`, want: "invalid JSON"},
		{name: "missing url", body: `{}`, want: "url required"},
		{name: "relative url", body: `{"url":"/world"}`, want: "url"},
		{name: "bad mode", body: `{"url":"https://example.com/","mode":"sideways"}`, want: "unknown extraction mode"},
		{name: "negative depth", body: `{"url":"https://example.com/","max_depth":-1}`, want: "max_depth"},
		{name: "negative ttl", body: `{"url":"https://example.com/","ttl_days":-2}`, want: "ttl_days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(testConfig())
			rec := env.do(t, http.MethodPost, "/v1/crawls", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
			assert.Empty(t, env.queue.Items())
		})
	}
}

func TestSubmitCrawlEnqueueFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	env.queue.err = crawler.ErrQueueClosed
	rec := env.do(t, http.MethodPost, "/v1/crawls", `{"url":"https://example.com/"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	job, err := env.jobs.GetJob(context.Background(), jobA)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusFailed, job.Status)
}

func TestSubmitStandardCrawl(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	rec := env.do(t, http.MethodPost, "/v1/crawls/standard", `{"name":"frontpage"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	items := env.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, crawler.CrawlRequest{
		URL: "https://news.example.com/", Mode: crawler.ModeHeadlines, MaxDepth: 2, TTLDays: 3,
	}, items[0].Params)

	rec = env.do(t, http.MethodPost, "/v1/crawls/standard", `{"name":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/crawls/standard", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/crawls", `{"url":"https://example.com/"}`).Code)

	rec := env.do(t, http.MethodGet, "/v1/crawls/"+jobA+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job, ok := decode(t, rec)["job"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, jobA, job["id"])
	assert.Equal(t, "queued", job["status"])

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/crawls/"+jobB+"/status", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/crawls/not-a-uuid/status", "").Code)
}

func TestGetJobResult(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(testConfig())
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/crawls", `{"url":"https://example.com/"}`).Code)

	rec := env.do(t, http.MethodGet, "/v1/crawls/"+jobA+"/result", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	root := crawler.Record{Title: "https://example.com/", URL: "https://example.com/", Status: crawler.RecordStatusDone, Related: []crawler.Record{}}
	require.NoError(t, env.jobs.SaveResult(ctx, jobA, root, "memory://crawls/"+jobA+"/abc.json"))
	require.NoError(t, env.jobs.UpdateJobStatus(ctx, jobA, crawler.JobStatusSucceeded, "", crawler.Tally(root)))

	rec = env.do(t, http.MethodGet, "/v1/crawls/"+jobA+"/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result crawler.JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Root)
	assert.Equal(t, "https://example.com/", result.Root.URL)
	assert.Equal(t, crawler.JobCounters{RecordsDone: 1}, result.Job.Counters)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/crawls/"+jobB+"/result", "").Code)
}

func TestGetJobResultFailedJobConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/crawls", `{"url":"https://example.com/"}`).Code)
	require.NoError(t, env.jobs.UpdateJobStatus(context.Background(), jobA, crawler.JobStatusFailed, "boom", crawler.JobCounters{}))

	rec := env.do(t, http.MethodGet, "/v1/crawls/"+jobA+"/result", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/crawls", `{"url":"https://example.com/"}`).Code)
	env.queue.running[jobA] = true

	rec := env.do(t, http.MethodPost, "/v1/crawls/"+jobA+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "canceled", body["status"])
	assert.Equal(t, true, body["interrupted"])
	assert.Equal(t, []string{jobA}, env.queue.canceled)

	job, err := env.jobs.GetJob(context.Background(), jobA)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusCanceled, job.Status)

	rec = env.do(t, http.MethodPost, "/v1/crawls/"+jobA+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/crawls/"+jobB+"/cancel", "").Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	env := newTestEnv(cfg)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/crawls/"+jobA+"/status", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/crawls/"+jobA+"/status?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", bytes.NewBufferString(`{"url":"https://example.com/"}`))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthReadinessAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)

	env.server.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", "").Code)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testConfig())
	h := env.server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
	assert.NotNil(t, buf)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
