// Package cache implements the expiring URL-to-document cache with full
// snapshot persistence.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/metrics"
)

// LoadFunc produces fresh content for a cache miss.
type LoadFunc func(ctx context.Context) (string, error)

// Lookup is the outcome of GetOrLoad.
type Lookup struct {
	Content string
	// Hit is true when the content came from the cache.
	Hit bool
	// Shared is true when another caller's in-flight load supplied the content.
	Shared bool
	// PersistErr holds a non-fatal *crawler.CachePersistError from storing the
	// freshly loaded content.
	PersistErr error
}

// Store maps URLs to cached documents and persists the whole mapping after
// every Set. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry

	// saveMu orders snapshot writes so the last write always carries the
	// latest mapping.
	saveMu   sync.Mutex
	snapshot crawler.SnapshotStore
	clock    crawler.Clock
	logger   *zap.Logger
	flight   singleflight.Group
}

// Open loads the persisted snapshot. A missing snapshot starts empty, a
// corrupt or unreadable one is logged and also starts empty. Only a
// *crawler.ConfigError from the snapshot store is returned.
func Open(ctx context.Context, snapshot crawler.SnapshotStore, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if snapshot == nil {
		return nil, &crawler.ConfigError{Field: "cache", Reason: "snapshot store is required"}
	}
	if clock == nil {
		return nil, &crawler.ConfigError{Field: "cache", Reason: "clock is required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		entries:  make(map[string]Entry),
		snapshot: snapshot,
		clock:    clock,
		logger:   logger,
	}
	entries, err := s.load(ctx)
	if err != nil {
		if crawler.IsFatal(err) {
			return nil, err
		}
		var loadErr *crawler.CacheLoadError
		if errors.As(err, &loadErr) {
			metrics.ObserveCache("load_recovered")
			logger.Warn("cache snapshot unusable; starting empty",
				zap.String("source", snapshot.Location()),
				zap.Error(err),
			)
		} else {
			logger.Info("no cache snapshot yet", zap.String("source", snapshot.Location()))
		}
		return s, nil
	}
	s.entries = entries
	logger.Info("cache loaded",
		zap.String("source", snapshot.Location()),
		zap.Int("entries", len(entries)),
	)
	return s, nil
}

func (s *Store) load(ctx context.Context) (map[string]Entry, error) {
	data, err := s.snapshot.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, crawler.ErrSnapshotNotFound):
		return nil, err
	case crawler.IsFatal(err):
		return nil, err
	default:
		return nil, &crawler.CacheLoadError{Source: s.snapshot.Location(), Err: err}
	}
	entries := make(map[string]Entry)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &crawler.CacheLoadError{Source: s.snapshot.Location(), Err: err}
	}
	if entries == nil {
		entries = make(map[string]Entry)
	}
	return entries, nil
}

// Get returns the cached content for url. An expired entry is evicted and
// reported as a miss.
func (s *Store) Get(url string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(url)
}

func (s *Store) getLocked(url string) (string, bool) {
	entry, ok := s.entries[url]
	if !ok {
		metrics.ObserveCache("miss")
		return "", false
	}
	if entry.Expired(s.clock.Now()) {
		delete(s.entries, url)
		metrics.ObserveCache("evict")
		s.logger.Debug("cache entry expired", zap.String("url", url), zap.Int("ttl_days", entry.TTLDays))
		return "", false
	}
	metrics.ObserveCache("hit")
	return entry.Content, true
}

// Set stores content for url with the current time and persists the full
// mapping. A returned *crawler.CachePersistError leaves the in-memory entry
// in place.
func (s *Store) Set(ctx context.Context, url, content string, ttlDays int) error {
	if ttlDays < 0 {
		return fmt.Errorf("ttl days must be >= 0, got %d", ttlDays)
	}
	s.mu.Lock()
	s.entries[url] = Entry{
		Content:  content,
		StoredAt: Timestamp{Time: s.clock.Now().UTC()},
		TTLDays:  ttlDays,
	}
	s.mu.Unlock()
	metrics.ObserveCache("store")
	// The cache outlives any one crawl, so a canceled caller still persists.
	return s.persist(context.WithoutCancel(ctx))
}

func (s *Store) persist(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	data, err := json.Marshal(s.entries)
	s.mu.Unlock()
	if err != nil {
		return s.persistFailed(fmt.Errorf("marshal snapshot: %w", err))
	}
	if err := s.snapshot.Save(ctx, data); err != nil {
		return s.persistFailed(err)
	}
	return nil
}

func (s *Store) persistFailed(err error) error {
	metrics.ObserveCache("persist_error")
	return &crawler.CachePersistError{Source: s.snapshot.Location(), Err: err}
}

// GetOrLoad returns cached content for url or claims the load for it.
// Concurrent callers for the same URL share a single load, so at most one
// load per URL is in flight. A failed load is not cached. A shared load that
// failed because its claiming caller was canceled is claimed again by
// callers whose own context is still live.
func (s *Store) GetOrLoad(ctx context.Context, url string, ttlDays int, load LoadFunc) (Lookup, error) {
	if content, ok := s.Get(url); ok {
		return Lookup{Content: content, Hit: true}, nil
	}
	for {
		var claimed bool
		ch := s.flight.DoChan(url, func() (any, error) {
			claimed = true
			// Another flight may have stored the URL between our miss and the claim.
			if content, ok := s.peek(url); ok {
				return Lookup{Content: content, Hit: true}, nil
			}
			content, err := load(ctx)
			if err != nil {
				return Lookup{}, err
			}
			return Lookup{Content: content, PersistErr: s.Set(ctx, url, content, ttlDays)}, nil
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return Lookup{}, fmt.Errorf("cache load %s: %w", url, ctx.Err())
		case res = <-ch:
		}
		if res.Err != nil {
			if !claimed && ctx.Err() == nil && isContextErr(res.Err) {
				s.logger.Debug("shared load canceled by another caller; reclaiming", zap.String("url", url))
				continue
			}
			return Lookup{}, res.Err
		}
		lookup, _ := res.Val.(Lookup)
		lookup.Shared = res.Shared
		return lookup, nil
	}
}

// peek reports a live entry without touching metrics or evicting.
func (s *Store) peek(url string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[url]
	if !ok || entry.Expired(s.clock.Now()) {
		return "", false
	}
	return entry.Content, true
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
