// Package promote retries pages that look client-rendered through a headless
// browser.
package promote

import (
	"net/http"
	"strings"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// DefaultThreshold is the body size below which script-heavy pages promote.
const DefaultThreshold = 2048

// Heuristic flags documents whose static HTML is unlikely to carry content.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// ShouldPromote reports whether doc needs a rendered fetch. Only 200 responses
// are considered.
func (h *Heuristic) ShouldPromote(doc crawler.Document) bool {
	if doc.StatusCode != http.StatusOK {
		return false
	}
	body := doc.Content
	if strings.TrimSpace(body) == "" {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover a quarter or more of
// the body.
func scriptDensityHigh(body string) bool {
	lower := strings.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
