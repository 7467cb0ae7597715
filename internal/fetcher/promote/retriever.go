package promote

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/metrics"
)

// Detector decides whether a statically fetched document needs rendering.
type Detector interface {
	ShouldPromote(doc crawler.Document) bool
}

// Retriever fetches with a static retriever and re-fetches through a
// rendering retriever when the detector flags the result.
type Retriever struct {
	static   crawler.Retriever
	rendered crawler.Retriever
	detector Detector
	logger   *zap.Logger
}

// New wires a promoting Retriever.
func New(static, rendered crawler.Retriever, detector Detector, logger *zap.Logger) (*Retriever, error) {
	if static == nil || rendered == nil {
		return nil, fmt.Errorf("static and rendered retrievers are required")
	}
	if detector == nil {
		detector = NewHeuristic(DefaultThreshold)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{static: static, rendered: rendered, detector: detector, logger: logger}, nil
}

// Retrieve returns the static document unless it is flagged. A failed
// rendered fetch falls back to the static document.
func (r *Retriever) Retrieve(ctx context.Context, url string) (crawler.Document, error) {
	doc, err := r.static.Retrieve(ctx, url)
	if err != nil {
		return crawler.Document{}, err
	}
	if !r.detector.ShouldPromote(doc) {
		return doc, nil
	}
	metrics.ObservePromotion(url)
	r.logger.Debug("promoting to headless", zap.String("url", url))
	rendered, err := r.rendered.Retrieve(ctx, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.Document{}, fmt.Errorf("rendered retrieve: %w", ctxErr)
		}
		r.logger.Warn("headless fetch failed; keeping static document",
			zap.String("url", url),
			zap.Error(err),
		)
		return doc, nil
	}
	rendered.Duration += doc.Duration
	return rendered, nil
}
