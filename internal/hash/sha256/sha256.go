// Package sha256 content-addresses crawl result artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements crawler.Hasher using SHA-256. A positive Length
// truncates the hex digest.
type Hasher struct {
	Length int
}

// New returns a hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Length < 0 {
		return "", fmt.Errorf("digest length must be >= 0, got %d", h.Length)
	}
	if h.Length > 0 && h.Length < len(digest) {
		digest = digest[:h.Length]
	}
	return digest, nil
}
