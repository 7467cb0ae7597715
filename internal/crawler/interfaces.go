package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher resolves a URL to document content, consulting the cache first.
type Fetcher interface {
	Fetch(ctx context.Context, url string, ttlDays int) (string, error)
}

// Retriever performs the network half of a fetch.
type Retriever interface {
	Retrieve(ctx context.Context, url string) (Document, error)
}

// Extractor turns document content into records. It returns a *ParseError
// when a structurally required element is missing.
type Extractor interface {
	Extract(ctx context.Context, pageURL string, content string, mode Mode) ([]Extracted, error)
}

// Crawler runs one complete crawl and returns the assembled record tree.
type Crawler interface {
	Crawl(ctx context.Context, request CrawlRequest) (Record, error)
}

// SnapshotStore holds the serialized cache mapping. Load returns
// ErrSnapshotNotFound when nothing has been persisted yet.
type SnapshotStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Location() string
}

// JobStore persists crawl job metadata and results.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	SaveResult(ctx context.Context, jobID string, root Record, resultURI string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetResult(ctx context.Context, jobID string) (JobResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// RecordStore persists a finished record tree.
type RecordStore interface {
	SaveTree(ctx context.Context, jobID string, root Record) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for result artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
