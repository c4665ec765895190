package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/fault"
)

// GCSStore implements BlobStore on a Google Cloud Storage bucket.
type GCSStore struct {
	client *gcs.Client
	bucket string
}

// NewGCSStore creates a store backed by the named bucket. Credentials are
// resolved from the environment (application default credentials).
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "failed to create storage client")
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Close releases the underlying client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// ObjectKey builds the canonical storage key for a document's bytes.
func ObjectKey(campaignID, documentID uuid.UUID) string {
	return fmt.Sprintf("campaigns/%s/documents/%s", campaignID, documentID)
}

// Put writes the object, overwriting any previous version
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fault.Wrap(fault.StorageError, err, "failed to write object %s", key)
	}
	if err := w.Close(); err != nil {
		return fault.Wrap(fault.StorageError, err, "failed to finalize object %s", key)
	}
	return nil
}

// Get reads the full object
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fault.Wrap(fault.NotFound, err, "object %s not found", key)
		}
		return nil, fault.Wrap(fault.StorageError, err, "failed to open object %s", key)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "failed to read object %s", key)
	}
	return data, nil
}

// Delete removes the object. A missing object is treated as already deleted.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fault.Wrap(fault.StorageError, err, "failed to delete object %s", key)
	}
	return nil
}

// SignedURL returns a V4 signed download URL
func (s *GCSStore) SignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expires),
		Scheme:  gcs.SigningSchemeV4,
	})
	if err != nil {
		return "", fault.Wrap(fault.StorageError, err, "failed to sign URL for %s", key)
	}
	return url, nil
}

// Ensure GCSStore implements the interface
var _ BlobStore = (*GCSStore)(nil)
