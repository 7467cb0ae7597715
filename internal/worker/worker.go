// Package worker runs queued crawl jobs and persists their record trees.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/metrics"
	"github.com/JakeFAU/refcrawler/internal/telemetry"
)

// CompletedEvent is the notification type published for a finished crawl.
const CompletedEvent = "crawl.completed"

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
	// JobTimeout bounds a single crawl. Zero disables the bound.
	JobTimeout time.Duration
	// MaxAttempts is how many times a job whose result could not be
	// persisted is run before it is marked failed. Values below 1 mean 1.
	MaxAttempts int
	// RequeueTimeout bounds the wait for queue space when retrying a job.
	// Zero means DefaultRequeueTimeout.
	RequeueTimeout time.Duration
}

// DefaultRequeueTimeout is used when Config.RequeueTimeout is unset.
const DefaultRequeueTimeout = 5 * time.Second

// Worker consumes queue items and runs one crawl at a time.
type Worker struct {
	queue       crawler.Queue
	jobStore    crawler.JobStore
	crawler     crawler.Crawler
	blobStore   crawler.BlobStore
	recordStore crawler.RecordStore
	publisher   crawler.Publisher
	hasher      crawler.Hasher
	clock       crawler.Clock
	cfg         Config
	logger      *zap.Logger

	mu         sync.Mutex
	currentJob string
	cancelJob  context.CancelFunc
}

// New constructs a Worker. recordStore and publisher are optional.
func New(
	queue crawler.Queue,
	jobStore crawler.JobStore,
	crawl crawler.Crawler,
	blobStore crawler.BlobStore,
	recordStore crawler.RecordStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RequeueTimeout <= 0 {
		cfg.RequeueTimeout = DefaultRequeueTimeout
	}
	return &Worker{
		queue:       queue,
		jobStore:    jobStore,
		crawler:     crawl,
		blobStore:   blobStore,
		recordStore: recordStore,
		publisher:   publisher,
		hasher:      hasher,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))
		w.processJob(ctx, item)
	}
}

// Cancel stops jobID if this worker is currently running it.
func (w *Worker) Cancel(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentJob != jobID || w.cancelJob == nil {
		return false
	}
	w.cancelJob()
	return true
}

func (w *Worker) track(jobID string, cancel context.CancelFunc) func() {
	w.mu.Lock()
	w.currentJob = jobID
	w.cancelJob = cancel
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		w.currentJob = ""
		w.cancelJob = nil
		w.mu.Unlock()
		cancel()
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	log := w.logger.With(zap.String("job_id", item.JobID))

	job, err := w.jobStore.GetJob(ctx, item.JobID)
	if err != nil {
		log.Error("load job failed", zap.Error(err))
		return
	}
	if job.Status == crawler.JobStatusCanceled {
		log.Info("skipping canceled job")
		metrics.ObserveJob(string(crawler.JobStatusCanceled))
		return
	}

	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, crawler.JobStatusRunning, "", crawler.JobCounters{}); err != nil {
		log.Error("update job status failed", zap.Error(err))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	status, errText, counters := w.runJob(ctx, log, item)
	if status == "" {
		return
	}
	metrics.ObserveJob(string(status))
	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, status, errText, counters); err != nil {
		log.Error("final job status update failed", zap.Error(err))
	}
	log.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("records_done", counters.RecordsDone),
		zap.Int("records_failed", counters.RecordsFailed),
		zap.Int("records_stub", counters.RecordsStub),
	)
}

// runJob crawls and persists one job. An empty status means the job was
// re-enqueued and keeps its current state.
func (w *Worker) runJob(
	ctx context.Context,
	log *zap.Logger,
	item crawler.QueueItem,
) (status crawler.JobStatus, message string, counters crawler.JobCounters) {
	ctx, span := telemetry.Tracer().Start(ctx, "crawl.job")
	span.SetAttributes(
		attribute.String("job.id", item.JobID),
		attribute.String("crawl.url", item.Params.URL),
		attribute.Int("job.attempt", item.Attempt),
	)
	defer func() {
		span.SetAttributes(attribute.String("job.status", string(status)))
		if status == crawler.JobStatusFailed {
			span.SetStatus(codes.Error, message)
		}
		span.End()
	}()

	jobCtx, cancel := w.jobContext(ctx)
	untrack := w.track(item.JobID, cancel)
	root, err := w.crawler.Crawl(jobCtx, item.Params)
	jobErr := jobCtx.Err()
	untrack()

	if err != nil {
		switch {
		case errors.Is(jobErr, context.DeadlineExceeded):
			return crawler.JobStatusFailed, "job timed out", crawler.JobCounters{}
		case jobErr != nil:
			return crawler.JobStatusCanceled, "job canceled", crawler.JobCounters{}
		default:
			log.Warn("crawl failed", zap.Error(err))
			return crawler.JobStatusFailed, err.Error(), crawler.JobCounters{}
		}
	}

	counters = crawler.Tally(root)
	if root.Status == crawler.RecordStatusFailed {
		return crawler.JobStatusFailed, root.Error, counters
	}

	if err := w.persistAndPublish(ctx, item.JobID, root); err != nil {
		log.Error("persist result failed", zap.Error(err))
		if w.retry(ctx, log, item) {
			return "", "", counters
		}
		return crawler.JobStatusFailed, err.Error(), counters
	}
	return crawler.JobStatusSucceeded, "", counters
}

func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.JobTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.JobTimeout)
	}
	return context.WithCancel(ctx)
}

func (w *Worker) retry(ctx context.Context, log *zap.Logger, item crawler.QueueItem) bool {
	if item.Attempt+1 >= w.cfg.MaxAttempts || ctx.Err() != nil {
		return false
	}
	next := item
	next.Attempt++
	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, crawler.JobStatusQueued, "", crawler.JobCounters{}); err != nil {
		log.Error("requeue status update failed", zap.Error(err))
		return false
	}
	// Every worker may be requeueing at once, so a full queue must not block.
	queueCtx, cancel := context.WithTimeout(ctx, w.cfg.RequeueTimeout)
	defer cancel()
	if err := w.queue.Enqueue(queueCtx, next); err != nil {
		log.Error("requeue failed", zap.Error(err))
		return false
	}
	log.Info("job requeued", zap.Int("attempt", next.Attempt))
	return true
}

func (w *Worker) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, jobID, hash)
}

func (w *Worker) persistAndPublish(ctx context.Context, jobID string, root crawler.Record) error {
	data, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	hash, err := w.hasher.Hash(data)
	if err != nil {
		return fmt.Errorf("hash result: %w", err)
	}

	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(jobID, hash), w.cfg.ContentType, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	if w.recordStore != nil {
		if err := w.recordStore.SaveTree(ctx, jobID, root); err != nil {
			return fmt.Errorf("save records: %w", err)
		}
	}
	if err := w.jobStore.SaveResult(ctx, jobID, root, uri); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return w.publishResult(ctx, jobID, root, uri, hash)
}

func (w *Worker) publishResult(ctx context.Context, jobID string, root crawler.Record, uri, hash string) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	counters := crawler.Tally(root)
	payload := map[string]any{
		"event":          CompletedEvent,
		"job_id":         jobID,
		"url":            root.URL,
		"blob_uri":       uri,
		"hash":           hash,
		"timestamp":      w.clock.Now().Format(time.RFC3339),
		"records_done":   counters.RecordsDone,
		"records_failed": counters.RecordsFailed,
		"records_stub":   counters.RecordsStub,
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, payload)
	if err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	w.logger.Info("crawl published",
		zap.String("job_id", jobID),
		zap.String("message_id", id),
		zap.String("blob_uri", uri),
		zap.String("hash", hash),
	)
	return nil
}
