package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/clock/system"
	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/hash/sha256"
	pubmem "github.com/JakeFAU/refcrawler/internal/publisher/memory"
	queuemem "github.com/JakeFAU/refcrawler/internal/queue/memory"
	storemem "github.com/JakeFAU/refcrawler/internal/storage/memory"
)

type fakeCrawler struct {
	mu    sync.Mutex
	calls int
	crawl func(ctx context.Context, req crawler.CrawlRequest) (crawler.Record, error)
}

func (f *fakeCrawler) Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.crawl(ctx, req)
}

func (f *fakeCrawler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type failingBlobStore struct {
	mu    sync.Mutex
	fails int
	inner *storemem.BlobStore
}

func (b *failingBlobStore) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	b.mu.Lock()
	if b.fails > 0 {
		b.fails--
		b.mu.Unlock()
		return "", errors.New("bucket unavailable")
	}
	b.mu.Unlock()
	return b.inner.PutObject(ctx, path, contentType, data)
}

type recordingRecordStore struct {
	mu    sync.Mutex
	trees map[string]crawler.Record
}

func (r *recordingRecordStore) SaveTree(_ context.Context, jobID string, root crawler.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trees == nil {
		r.trees = make(map[string]crawler.Record)
	}
	r.trees[jobID] = root
	return nil
}

func sampleTree(url string) crawler.Record {
	return crawler.Record{
		Title:  url,
		URL:    url,
		Status: crawler.RecordStatusDone,
		Related: []crawler.Record{
			{Title: "A", URL: "https://example.com/a", Status: crawler.RecordStatusDone, Related: []crawler.Record{}},
			{Title: "B", URL: "https://example.com/b", Status: crawler.RecordStatusFailed, Error: "boom", Related: []crawler.Record{}},
			{Title: "C", URL: "https://example.com/c", Status: crawler.RecordStatusStub, Related: []crawler.Record{}},
		},
	}
}

type harness struct {
	queue     *queuemem.Queue
	jobs      *storemem.JobStore
	blobs     *storemem.BlobStore
	publisher *pubmem.Publisher
	records   *recordingRecordStore
	clock     *system.Fixed
}

func newHarness() *harness {
	return &harness{
		queue:     queuemem.NewQueue(4),
		jobs:      storemem.NewJobStore(),
		blobs:     storemem.NewBlobStore(),
		publisher: pubmem.New(),
		records:   &recordingRecordStore{},
		clock:     system.NewFixed(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func (h *harness) worker(c crawler.Crawler, blobs crawler.BlobStore, cfg Config) *Worker {
	if blobs == nil {
		blobs = h.blobs
	}
	return New(h.queue, h.jobs, c, blobs, h.records, h.publisher, sha256.New(), h.clock, cfg, zap.NewNop())
}

func (h *harness) submit(t *testing.T, jobID string) {
	t.Helper()
	req := crawler.CrawlRequest{URL: "https://example.com/", Mode: crawler.ModeFull, MaxDepth: 1, TTLDays: 1}
	require.NoError(t, h.jobs.CreateJob(context.Background(), crawler.Job{
		ID:         jobID,
		Status:     crawler.JobStatusQueued,
		Submitted:  h.clock.Now(),
		Parameters: req,
	}))
	require.NoError(t, h.queue.Enqueue(context.Background(), crawler.QueueItem{JobID: jobID, Params: req}))
}

func (h *harness) waitStatus(t *testing.T, jobID string, want crawler.JobStatus) crawler.Job {
	t.Helper()
	var job crawler.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.jobs.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestWorkerSuccessFlow(t *testing.T) {
	t.Parallel()

	h := newHarness()
	c := &fakeCrawler{crawl: func(_ context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
		return sampleTree(req.URL), nil
	}}
	w := h.worker(c, nil, Config{BlobPrefix: "/results/", Topic: "crawls"})
	h.submit(t, "job-1")
	runWorker(t, w)

	job := h.waitStatus(t, "job-1", crawler.JobStatusSucceeded)
	assert.Equal(t, crawler.JobCounters{RecordsDone: 2, RecordsFailed: 1, RecordsStub: 1}, job.Counters)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)

	data, err := json.Marshal(sampleTree("https://example.com/"))
	require.NoError(t, err)
	hash, err := sha256.New().Hash(data)
	require.NoError(t, err)
	path := "results/job-1/" + hash + ".json"
	stored, ok := h.blobs.Object(path)
	require.True(t, ok, "blob paths: %v", h.blobs.Paths())
	assert.JSONEq(t, string(data), string(stored))
	assert.Equal(t, "memory://"+path, job.ResultURI)

	result, err := h.jobs.GetResult(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, result.Root)
	assert.Len(t, result.Root.Related, 3)

	assert.Contains(t, h.records.trees, "job-1")

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crawls", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, CompletedEvent, payload["event"])
	assert.Equal(t, "job-1", payload["job_id"])
	assert.Equal(t, hash, payload["hash"])
	assert.Equal(t, "2024-01-01T00:00:00Z", payload["timestamp"])
}

func TestWorkerNoTopicSkipsPublish(t *testing.T) {
	t.Parallel()

	h := newHarness()
	c := &fakeCrawler{crawl: func(_ context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
		return sampleTree(req.URL), nil
	}}
	w := New(h.queue, h.jobs, c, h.blobs, nil, h.publisher, sha256.New(), h.clock, Config{}, nil)
	h.submit(t, "job-quiet")
	runWorker(t, w)

	h.waitStatus(t, "job-quiet", crawler.JobStatusSucceeded)
	assert.Empty(t, h.publisher.Messages())
	require.Len(t, h.blobs.Paths(), 1)
}

func TestWorkerRootFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness()
	c := &fakeCrawler{crawl: func(_ context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
		return crawler.Record{
			Title: req.URL, URL: req.URL, Status: crawler.RecordStatusFailed,
			Error: "fetch https://example.com/: status 503", Related: []crawler.Record{},
		}, nil
	}}
	w := h.worker(c, nil, Config{Topic: "crawls"})
	h.submit(t, "job-root")
	runWorker(t, w)

	job := h.waitStatus(t, "job-root", crawler.JobStatusFailed)
	assert.Equal(t, "fetch https://example.com/: status 503", job.ErrorText)
	assert.Equal(t, crawler.JobCounters{RecordsFailed: 1}, job.Counters)
	assert.Empty(t, h.blobs.Paths())
	assert.Empty(t, h.publisher.Messages())
	_, err := h.jobs.GetResult(context.Background(), "job-root")
	assert.ErrorIs(t, err, crawler.ErrResultNotReady)
}

func TestWorkerConfigErrorFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness()
	c := &fakeCrawler{crawl: func(context.Context, crawler.CrawlRequest) (crawler.Record, error) {
		return crawler.Record{}, &crawler.ConfigError{Field: "url", Reason: "must be absolute"}
	}}
	w := h.worker(c, nil, Config{})
	h.submit(t, "job-config")
	runWorker(t, w)

	job := h.waitStatus(t, "job-config", crawler.JobStatusFailed)
	assert.Contains(t, job.ErrorText, "url")
}

func TestWorkerTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness()
	c := &fakeCrawler{crawl: func(ctx context.Context, _ crawler.CrawlRequest) (crawler.Record, error) {
		<-ctx.Done()
		return crawler.Record{}, ctx.Err()
	}}
	w := h.worker(c, nil, Config{JobTimeout: 20 * time.Millisecond})
	h.submit(t, "job-slow")
	runWorker(t, w)

	job := h.waitStatus(t, "job-slow", crawler.JobStatusFailed)
	assert.Equal(t, "job timed out", job.ErrorText)
	assert.Empty(t, h.blobs.Paths())
}

func TestWorkerSkipsCanceledJob(t *testing.T) {
	t.Parallel()

	h := newHarness()
	c := &fakeCrawler{crawl: func(_ context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
		return sampleTree(req.URL), nil
	}}
	w := h.worker(c, nil, Config{})
	h.submit(t, "job-canceled")
	require.NoError(t, h.jobs.UpdateJobStatus(context.Background(), "job-canceled",
		crawler.JobStatusCanceled, "canceled by request", crawler.JobCounters{}))
	h.submit(t, "job-next")
	runWorker(t, w)

	h.waitStatus(t, "job-next", crawler.JobStatusSucceeded)
	assert.Equal(t, 1, c.Calls())
	job, err := h.jobs.GetJob(context.Background(), "job-canceled")
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusCanceled, job.Status)
}

func TestWorkerCancelRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness()
	started := make(chan struct{})
	c := &fakeCrawler{crawl: func(ctx context.Context, _ crawler.CrawlRequest) (crawler.Record, error) {
		close(started)
		<-ctx.Done()
		return crawler.Record{}, ctx.Err()
	}}
	w := h.worker(c, nil, Config{})
	h.submit(t, "job-running")
	runWorker(t, w)

	<-started
	assert.False(t, w.Cancel("other-job"))
	assert.True(t, w.Cancel("job-running"))

	job := h.waitStatus(t, "job-running", crawler.JobStatusCanceled)
	assert.Equal(t, "job canceled", job.ErrorText)
	assert.Empty(t, h.blobs.Paths())
}

func TestWorkerRetriesPersistFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	c := &fakeCrawler{crawl: func(_ context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
		return sampleTree(req.URL), nil
	}}
	blobs := &failingBlobStore{fails: 1, inner: h.blobs}
	w := h.worker(c, blobs, Config{MaxAttempts: 2})
	h.submit(t, "job-retry")
	runWorker(t, w)

	h.waitStatus(t, "job-retry", crawler.JobStatusSucceeded)
	assert.Equal(t, 2, c.Calls())
	assert.Len(t, h.blobs.Paths(), 1)
}

func TestWorkerPersistFailureExhaustsAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness()
	c := &fakeCrawler{crawl: func(_ context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
		return sampleTree(req.URL), nil
	}}
	blobs := &failingBlobStore{fails: 5, inner: h.blobs}
	w := h.worker(c, blobs, Config{MaxAttempts: 2})
	h.submit(t, "job-broken")
	runWorker(t, w)

	job := h.waitStatus(t, "job-broken", crawler.JobStatusFailed)
	assert.Contains(t, job.ErrorText, "bucket unavailable")
	assert.Equal(t, 2, c.Calls())
}

func TestWorkerFailsJobWhenRequeueQueueFull(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.queue = queuemem.NewQueue(1)
	c := &fakeCrawler{crawl: func(ctx context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
		if err := h.queue.Enqueue(ctx, crawler.QueueItem{JobID: "filler", Params: req}); err != nil {
			return crawler.Record{}, err
		}
		return sampleTree(req.URL), nil
	}}
	blobs := &failingBlobStore{fails: 1, inner: h.blobs}
	w := h.worker(c, blobs, Config{MaxAttempts: 2, RequeueTimeout: 20 * time.Millisecond})
	h.submit(t, "job-full")
	runWorker(t, w)

	job := h.waitStatus(t, "job-full", crawler.JobStatusFailed)
	assert.Contains(t, job.ErrorText, "bucket unavailable")
	assert.Equal(t, 1, c.Calls())
}

func TestWorkerPublishFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.publisher.SetErr(errors.New("topic gone"))
	c := &fakeCrawler{crawl: func(_ context.Context, req crawler.CrawlRequest) (crawler.Record, error) {
		return sampleTree(req.URL), nil
	}}
	w := h.worker(c, nil, Config{Topic: "crawls"})
	h.submit(t, "job-publish")
	runWorker(t, w)

	job := h.waitStatus(t, "job-publish", crawler.JobStatusFailed)
	assert.Contains(t, job.ErrorText, "topic gone")
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness()
	w := h.worker(&fakeCrawler{}, nil, Config{})
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	h.queue.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestBuildBlobPath(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil, Config{}, nil)
	assert.Equal(t, "job/abc.json", w.buildBlobPath("job", "abc"))
	w.cfg.BlobPrefix = "/crawls/"
	assert.Equal(t, "crawls/job/abc.json", w.buildBlobPath("job", "abc"))
	assert.Equal(t, "application/json", w.cfg.ContentType)
	assert.Equal(t, 1, w.cfg.MaxAttempts)
	assert.Equal(t, DefaultRequeueTimeout, w.cfg.RequeueTimeout)
}
