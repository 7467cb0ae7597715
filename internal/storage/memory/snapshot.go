package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// Snapshot keeps the serialized cache mapping in memory. LoadErr and SaveErr,
// when set, are returned instead of performing the operation.
type Snapshot struct {
	mu      sync.Mutex
	data    []byte
	saved   bool
	saves   int
	LoadErr error
	SaveErr error
}

// NewSnapshot returns an empty snapshot store.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// NewSnapshotWithData returns a snapshot store preloaded with data.
func NewSnapshotWithData(data []byte) *Snapshot {
	return &Snapshot{data: append([]byte(nil), data...), saved: true}
}

// Location identifies the store in logs.
func (s *Snapshot) Location() string {
	return "memory://cache"
}

// Load returns the last saved bytes.
func (s *Snapshot) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	if !s.saved {
		return nil, crawler.ErrSnapshotNotFound
	}
	return append([]byte(nil), s.data...), nil
}

// Save replaces the stored bytes.
func (s *Snapshot) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.data = append([]byte(nil), data...)
	s.saved = true
	s.saves++
	return nil
}

// Saves returns how many successful saves have happened.
func (s *Snapshot) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// SetSaveErr changes the injected save error.
func (s *Snapshot) SetSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveErr = err
}
