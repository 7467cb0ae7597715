package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

// SnapshotConfig names the object holding the cache snapshot.
type SnapshotConfig struct {
	Bucket string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"`
	Object string `mapstructure:"gcs_object" yaml:"gcs_object"`
}

// Snapshot keeps the cache mapping in a single GCS object. An object upload
// only becomes visible once complete, so readers never see a partial write.
type Snapshot struct {
	client *storage.Client
	bucket string
	object string
}

// NewSnapshot validates the configuration.
func NewSnapshot(client *storage.Client, cfg SnapshotConfig) (*Snapshot, error) {
	if client == nil {
		return nil, &crawler.ConfigError{Field: "cache.gcs_bucket", Reason: "storage client is required"}
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, &crawler.ConfigError{Field: "cache.gcs_bucket", Reason: "bucket name is required"}
	}
	if strings.TrimSpace(cfg.Object) == "" {
		return nil, &crawler.ConfigError{Field: "cache.gcs_object", Reason: "object name is required"}
	}
	return &Snapshot{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

// Location returns the gs:// URI of the snapshot.
func (s *Snapshot) Location() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Load downloads the snapshot object.
func (s *Snapshot) Load(ctx context.Context) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		return nil, s.classify(err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot object: %w", err)
	}
	return data, nil
}

// Save uploads data as the new snapshot.
func (s *Snapshot) Save(ctx context.Context, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.object)
	if err := writeObject(ctx, obj, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.Location(), err)
	}
	return nil
}

func (s *Snapshot) classify(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return crawler.ErrSnapshotNotFound
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return &crawler.ConfigError{Field: "cache.gcs_bucket", Reason: "bucket does not exist", Err: err}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusUnauthorized) {
		return &crawler.ConfigError{Field: "cache.gcs_bucket", Reason: "snapshot is not readable", Err: err}
	}
	return fmt.Errorf("open snapshot object: %w", err)
}
