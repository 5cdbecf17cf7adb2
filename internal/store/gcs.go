package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/quizdocflow/internal/gcp"
)

// GCSObjects stores payloads in a Cloud Storage bucket.
type GCSObjects struct {
	client *storage.Client
	bucket string
}

// NewGCSObjects wraps an existing client.
func NewGCSObjects(client *storage.Client, bucket string) *GCSObjects {
	return &GCSObjects{client: client, bucket: bucket}
}

func (s *GCSObjects) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := gcp.SaveToGCSAtomically(ctx, s.client.Bucket(s.bucket), key, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

func (s *GCSObjects) Get(ctx context.Context, url string) ([]byte, error) {
	bucket, object, err := gcp.ParseGSURI(url)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %s: %w", url, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", url, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", url, err)
	}
	return data, nil
}
