// Package crawler defines the record model, crawl job types, and the
// interfaces shared by the cache, fetch, extraction, and orchestration layers.
package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects which record shape an Extractor pulls from a page.
type Mode string

// Extraction modes understood by Extractor implementations.
const (
	ModeFull      Mode = "full"
	ModeHeadlines Mode = "headlines"
	ModeRelated   Mode = "related"
	// ModeSections groups a front page into one record per section.
	ModeSections Mode = "sections"
)

// ParseMode converts user input into a Mode. Empty input selects ModeFull.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeHeadlines, "headlines-only":
		return ModeHeadlines, nil
	case ModeRelated:
		return ModeRelated, nil
	case ModeSections:
		return ModeSections, nil
	default:
		return "", fmt.Errorf("unknown extraction mode %q", raw)
	}
}

// Child returns the mode used for pages referenced from a page extracted in m.
// Referenced pages always yield the lighter related-article shape.
func (m Mode) Child() Mode {
	return ModeRelated
}

// RecordStatus is the terminal state of a record after expansion.
type RecordStatus string

// Record status values.
const (
	RecordStatusDone   RecordStatus = "done"
	RecordStatusFailed RecordStatus = "failed"
	RecordStatusStub   RecordStatus = "stub"
)

// Record is a structured unit extracted from a document. Optional fields are
// nil when the page did not provide them.
type Record struct {
	Title        string       `json:"title"`
	Byline       *string      `json:"byline"`
	Summary      *string      `json:"summary"`
	ThumbnailURL *string      `json:"thumbnail_url"`
	URL          string       `json:"url"`
	Status       RecordStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	Related      []Record     `json:"related"`
}

// Extracted pairs a record found on a page with the URLs whose pages
// populate its related sequence.
type Extracted struct {
	Record    Record
	ChildURLs []string
	// Items, when non-nil, makes Record a grouping of records already found
	// on the same page. A grouping is not fetched; its items become its
	// related records.
	Items []Extracted
}

// CrawlRequest describes one crawl invocation.
type CrawlRequest struct {
	URL      string `json:"url" mapstructure:"url"`
	Mode     Mode   `json:"mode" mapstructure:"mode"`
	MaxDepth int    `json:"max_depth" mapstructure:"max_depth"`
	TTLDays  int    `json:"ttl_days" mapstructure:"ttl_days"`
}

// Document is the network representation of a fetched page. Content is
// always UTF-8.
type Document struct {
	URL        string
	StatusCode int
	Content    string
	Duration   time.Duration
}

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID         string       `json:"id"`
	Status     JobStatus    `json:"status"`
	Submitted  time.Time    `json:"submitted_at"`
	Started    *time.Time   `json:"started_at,omitempty"`
	Finished   *time.Time   `json:"finished_at,omitempty"`
	ErrorText  string       `json:"error_text,omitempty"`
	Parameters CrawlRequest `json:"parameters"`
	Counters   JobCounters  `json:"counters"`
	ResultURI  string       `json:"result_uri,omitempty"`
}

// JobCounters tracks record outcomes per job.
type JobCounters struct {
	RecordsDone   int `json:"records_done"`
	RecordsFailed int `json:"records_failed"`
	RecordsStub   int `json:"records_stub"`
}

// JobResult is returned by the API result endpoint.
type JobResult struct {
	Job  Job     `json:"job"`
	Root *Record `json:"root,omitempty"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Params    CrawlRequest
	Attempt   int
	Submitted int64
}

// Tally counts every record in the tree rooted at root by status.
func Tally(root Record) JobCounters {
	var c JobCounters
	var walk func(r Record)
	walk = func(r Record) {
		switch r.Status {
		case RecordStatusDone:
			c.RecordsDone++
		case RecordStatusFailed:
			c.RecordsFailed++
		case RecordStatusStub:
			c.RecordsStub++
		}
		for _, child := range r.Related {
			walk(child)
		}
	}
	walk(root)
	return c
}
