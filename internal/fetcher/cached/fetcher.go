// Package cached implements crawler.Fetcher: cache first, network on a miss,
// fresh content written back to the cache.
package cached

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/refcrawler/internal/cache"
	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/metrics"
)

// Config tunes network behavior.
type Config struct {
	// MaxInFlight bounds concurrent network retrievals across all URLs.
	MaxInFlight int64
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Limiter paces attempts per host. Nil disables pacing.
	Limiter HostLimiter
}

// HostLimiter blocks until a retrieval of url may start.
type HostLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher resolves URLs through the cache store and a network retriever.
type Fetcher struct {
	store     *cache.Store
	retriever crawler.Retriever
	retry     *RetryPolicy
	inFlight  *semaphore.Weighted
	limiter   HostLimiter
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New wires a Fetcher.
func New(store *cache.Store, retriever crawler.Retriever, cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Fetcher{
		store:     store,
		retriever: retriever,
		retry:     NewRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax),
		inFlight:  semaphore.NewWeighted(maxInFlight),
		limiter:   cfg.Limiter,
		logger:    logger,
		sleep:     sleepCtx,
	}, nil
}

// Fetch returns the content for url. A cache hit makes no network call. On a
// miss the page is retrieved, decoded as UTF-8 and stored with ttlDays. A
// failure to persist the cache is logged and does not fail the fetch.
func (f *Fetcher) Fetch(ctx context.Context, url string, ttlDays int) (string, error) {
	if ttlDays < 0 {
		return "", fmt.Errorf("ttl days must be >= 0, got %d", ttlDays)
	}
	lookup, err := f.store.GetOrLoad(ctx, url, ttlDays, func(ctx context.Context) (string, error) {
		return f.retrieve(ctx, url)
	})
	if err != nil {
		metrics.ObserveFetch(url, "error", 0)
		return "", err
	}
	if lookup.Hit {
		metrics.ObserveFetch(url, "cache", 0)
		f.logger.Debug("loading from cache", zap.String("url", url))
		return lookup.Content, nil
	}
	if lookup.PersistErr != nil {
		f.logger.Warn("cache persist failed; continuing with in-memory cache",
			zap.String("url", url),
			zap.Error(lookup.PersistErr),
		)
	}
	return lookup.Content, nil
}

func (f *Fetcher) retrieve(ctx context.Context, url string) (string, error) {
	if err := f.inFlight.Acquire(ctx, 1); err != nil {
		return "", &crawler.FetchError{URL: url, Err: err}
	}
	defer f.inFlight.Release(1)

	f.logger.Debug("fetching a fresh copy", zap.String("url", url))
	for attempt := 0; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, url); err != nil {
				return "", &crawler.FetchError{URL: url, Err: err}
			}
		}
		doc, err := f.retriever.Retrieve(ctx, url)
		if err == nil {
			metrics.ObserveFetch(url, "network", len(doc.Content))
			f.logger.Debug("fetched",
				zap.String("url", url),
				zap.Int("status", doc.StatusCode),
				zap.Duration("duration", doc.Duration),
				zap.Int("attempt", attempt+1),
			)
			return doc.Content, nil
		}
		if !f.retry.ShouldRetry(err, attempt) {
			return "", asFetchError(url, err)
		}
		backoff := f.retry.Backoff(attempt)
		metrics.ObserveRetry(url)
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := f.sleep(ctx, backoff); err != nil {
			return "", &crawler.FetchError{URL: url, Err: err}
		}
	}
}

func asFetchError(url string, err error) error {
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	return &crawler.FetchError{URL: url, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
