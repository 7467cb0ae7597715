// Package orchestrator drives the fetch, extract and expand pipeline that
// turns a root URL into a record tree.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/metrics"
)

// state names the per-URL lifecycle stage in logs.
type state string

const (
	stateFetching   state = "fetching"
	stateExtracting state = "extracting"
	stateExpanding  state = "expanding"
	stateDone       state = "done"
	stateFailed     state = "failed"
	stateStub       state = "stub"
)

// Config controls recursion and parallelism.
type Config struct {
	// Workers bounds concurrent sibling expansions per page. 1 expands
	// siblings one after another.
	Workers int
	// ChildTTLDays is the cache TTL for every page below the root.
	ChildTTLDays int
}

// Orchestrator implements crawler.Crawler.
type Orchestrator struct {
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	cfg       Config
	logger    *zap.Logger
}

// New wires an Orchestrator.
func New(fetcher crawler.Fetcher, extractor crawler.Extractor, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ChildTTLDays < 0 {
		return nil, &crawler.ConfigError{Field: "cache.default_ttl_days", Reason: "must be >= 0"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetcher:   fetcher,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// run holds the state of one Crawl invocation.
type run struct {
	*Orchestrator
	visited  *visitedSet
	maxDepth int
}

// Crawl expands request.URL into a record tree. The root page is extracted in
// request.Mode and cached for request.TTLDays; everything below it uses the
// related mode and the child TTL. Only configuration problems are returned
// as errors; per-page failures are recorded in the tree. A cancelled crawl
// returns no tree.
func (o *Orchestrator) Crawl(ctx context.Context, request crawler.CrawlRequest) (crawler.Record, error) {
	if err := crawler.ValidateRootURL(request.URL); err != nil {
		return crawler.Record{}, err
	}
	mode, err := crawler.ParseMode(string(request.Mode))
	if err != nil {
		return crawler.Record{}, &crawler.ConfigError{Field: "mode", Reason: "unknown extraction mode", Err: err}
	}
	if request.MaxDepth < 0 {
		return crawler.Record{}, &crawler.ConfigError{Field: "max_depth", Reason: "must be >= 0"}
	}
	if request.TTLDays < 0 {
		return crawler.Record{}, &crawler.ConfigError{Field: "ttl_days", Reason: "must be >= 0"}
	}

	r := &run{Orchestrator: o, visited: newVisitedSet(), maxDepth: request.MaxDepth}
	root := crawler.Record{Title: request.URL, URL: request.URL}
	root = r.expand(ctx, root, []string{request.URL}, mode, 0, request.TTLDays)

	if err := ctx.Err(); err != nil {
		return crawler.Record{}, fmt.Errorf("crawl canceled: %w", err)
	}
	o.logger.Info("crawl finished",
		zap.String("url", request.URL),
		zap.Int("pages_visited", r.visited.Len()),
		zap.String("status", string(root.Status)),
	)
	return root, nil
}

// expand populates rec.Related from the pages at sources. A record past the
// depth limit, or whose pages were all visited already, becomes a stub.
func (r *run) expand(
	ctx context.Context,
	rec crawler.Record,
	sources []string,
	mode crawler.Mode,
	depth int,
	ttlDays int,
) crawler.Record {
	rec.Related = []crawler.Record{}
	log := r.logger.With(zap.String("url", rec.URL), zap.Int("depth", depth))

	if depth > r.maxDepth {
		return r.finish(log, rec, stateStub, nil)
	}
	var claimed []string
	for _, src := range sources {
		if r.visited.Claim(src) {
			claimed = append(claimed, src)
		}
	}
	if len(claimed) == 0 {
		return r.finish(log, rec, stateStub, nil)
	}

	var items []crawler.Extracted
	for _, src := range claimed {
		if err := ctx.Err(); err != nil {
			return r.finish(log, rec, stateFailed, err)
		}
		log.Debug("state", zap.String("state", string(stateFetching)), zap.String("source", src))
		content, err := r.fetcher.Fetch(ctx, src, ttlDays)
		if err != nil {
			return r.finish(log, rec, stateFailed, err)
		}
		log.Debug("state", zap.String("state", string(stateExtracting)), zap.String("source", src))
		found, err := r.extractor.Extract(ctx, src, content, mode)
		if err != nil {
			return r.finish(log, rec, stateFailed, err)
		}
		items = append(items, found...)
	}

	log.Debug("state", zap.String("state", string(stateExpanding)), zap.Int("children", len(items)))
	rec.Related = r.expandAll(ctx, items, mode.Child(), depth+1)
	return r.finish(log, rec, stateDone, nil)
}

// expandAll expands siblings with at most Workers in parallel. Results keep
// the extractor's order.
func (r *run) expandAll(ctx context.Context, items []crawler.Extracted, mode crawler.Mode, depth int) []crawler.Record {
	out := make([]crawler.Record, len(items))
	for i, item := range items {
		if item.Items != nil {
			out[i] = r.group(ctx, item, mode, depth)
		}
	}
	if r.cfg.Workers <= 1 || len(items) <= 1 {
		for i, item := range items {
			if item.Items == nil {
				out[i] = r.expand(ctx, item.Record, item.ChildURLs, mode, depth, r.cfg.ChildTTLDays)
			}
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, item := range items {
		if item.Items != nil {
			continue
		}
		g.Go(func() error {
			out[i] = r.expand(ctx, item.Record, item.ChildURLs, mode, depth, r.cfg.ChildTTLDays)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// group turns a grouping record into its items. The group itself costs no
// fetch and no depth; its items expand at the group's depth.
func (r *run) group(ctx context.Context, item crawler.Extracted, mode crawler.Mode, depth int) crawler.Record {
	rec := item.Record
	log := r.logger.With(zap.String("url", rec.URL), zap.Int("depth", depth))
	log.Debug("state", zap.String("state", string(stateExpanding)), zap.Int("children", len(item.Items)))
	rec.Related = r.expandAll(ctx, item.Items, mode, depth)
	return r.finish(log, rec, stateDone, nil)
}

func (r *run) finish(log *zap.Logger, rec crawler.Record, st state, err error) crawler.Record {
	switch st {
	case stateDone:
		rec.Status = crawler.RecordStatusDone
		log.Debug("state", zap.String("state", string(stateDone)), zap.Int("related", len(rec.Related)))
	case stateStub:
		rec.Status = crawler.RecordStatusStub
		log.Debug("state", zap.String("state", string(stateStub)))
	default:
		rec.Status = crawler.RecordStatusFailed
		rec.Related = []crawler.Record{}
		if err != nil {
			rec.Error = err.Error()
		}
		log.Warn("page failed", zap.Error(err))
	}
	metrics.ObserveRecord(string(rec.Status))
	return rec
}
