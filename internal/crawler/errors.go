package crawler

import (
	"errors"
	"fmt"
)

// ErrSnapshotNotFound is returned by a SnapshotStore that has never been written.
var ErrSnapshotNotFound = errors.New("cache snapshot not found")

// ErrJobNotFound is returned by a JobStore for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// ErrResultNotReady is returned by a JobStore when a job has no result yet.
var ErrResultNotReady = errors.New("job result not ready")

// ErrQueueClosed is returned by a Queue that no longer accepts or yields jobs.
var ErrQueueClosed = errors.New("queue closed")

// FetchError reports a failed network retrieval for one URL.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError reports a page missing a structurally required element.
type ParseError struct {
	URL     string
	Element string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: missing required element %s", e.URL, e.Element)
}

// CacheLoadError reports an unreadable or corrupt cache snapshot. It is
// recovered by starting with an empty cache.
type CacheLoadError struct {
	Source string
	Err    error
}

func (e *CacheLoadError) Error() string {
	return fmt.Sprintf("load cache snapshot %s: %v", e.Source, e.Err)
}

func (e *CacheLoadError) Unwrap() error {
	return e.Err
}

// CachePersistError reports a failed snapshot write. The in-memory cache
// remains valid.
type CachePersistError struct {
	Source string
	Err    error
}

func (e *CachePersistError) Error() string {
	return fmt.Sprintf("persist cache snapshot %s: %v", e.Source, e.Err)
}

func (e *CachePersistError) Unwrap() error {
	return e.Err
}

// ConfigError is the only fatal error class: the crawl cannot start.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err should abort the whole crawl.
func IsFatal(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
