package orchestrator

import (
	"sync"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// visitedSet records the normalized URLs claimed during one crawl.
type visitedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newVisitedSet() *visitedSet {
	return &visitedSet{seen: make(map[string]struct{})}
}

// Claim marks rawURL visited and reports whether this call was the first.
func (v *visitedSet) Claim(rawURL string) bool {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		key = rawURL
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[key]; ok {
		return false
	}
	v.seen[key] = struct{}{}
	return true
}

// Len returns the number of claimed URLs.
func (v *visitedSet) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}
