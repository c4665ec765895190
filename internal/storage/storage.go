// Package storage abstracts blob persistence for uploaded documents.
package storage

import (
	"context"
	"time"
)

// BlobStore stores and retrieves raw document bytes by key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent: deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a time-limited download URL for the object.
	SignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}
