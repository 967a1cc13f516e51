package server

import (
	"context"
	"time"
)

// BlobObject describes a blob written by Put
type BlobObject struct {
	Key       string
	PublicURL string
}

// BlobStore defines the interface for blob storage operations
type BlobStore interface {
	// Put uploads a blob. It never overwrites: an existing key fails with
	// ErrBlobExists.
	Put(ctx context.Context, key string, data []byte, contentType string) (*BlobObject, error)

	// List returns every blob key in the bucket
	List(ctx context.Context) ([]string, error)

	// Remove deletes the blobs. Missing keys are not an error.
	Remove(ctx context.Context, keys []string) error

	// SignedURL returns a time-limited read link for one blob
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
