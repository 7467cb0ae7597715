package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// SnapshotConfig locates the cache snapshot file.
type SnapshotConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Snapshot persists the cache mapping as a single file, replaced atomically.
type Snapshot struct {
	path string
}

// NewSnapshot validates the snapshot path. The parent directory is created
// when missing; permission problems are configuration errors.
func NewSnapshot(cfg SnapshotConfig) (*Snapshot, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, &crawler.ConfigError{Field: "cache.path", Reason: "path is required"}
	}
	if info, err := os.Stat(cfg.Path); err == nil && info.IsDir() {
		return nil, &crawler.ConfigError{Field: "cache.path", Reason: "path is a directory"}
	}
	dir := filepath.Dir(cfg.Path)
	if err := ensureWritableDir(dir); err != nil {
		return nil, &crawler.ConfigError{Field: "cache.path", Reason: "snapshot directory unusable", Err: err}
	}
	return &Snapshot{path: cfg.Path}, nil
}

// Location returns the snapshot file path.
func (s *Snapshot) Location() string {
	return s.path
}

// Load reads the snapshot file.
func (s *Snapshot) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, crawler.ErrSnapshotNotFound
	case errors.Is(err, fs.ErrPermission):
		return nil, &crawler.ConfigError{Field: "cache.path", Reason: "snapshot is not readable", Err: err}
	default:
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
}

// Save writes data to a temporary file in the snapshot directory, syncs it
// and renames it over the snapshot, so readers see the old or the new
// snapshot and never a partial one.
func (s *Snapshot) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat directory: %w", err)
		}
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("failed to create directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	tmp, err := os.CreateTemp(dir, ".writable_test-*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close tmp file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("failed to clean up tmp file: %w", err)
	}
	return nil
}
