// Package storage archives raw fetched payloads in S3-compatible object
// storage.
package storage

import (
	"context"
	"io"
)

// ObjectStorage is the blob store behind the content archive.
type ObjectStorage interface {
	// EnsureBucket creates the bucket if the store can.
	EnsureBucket(ctx context.Context) error

	// Upload stores size bytes from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object stored under key. A missing key wraps
	// errors.ErrNotFound.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL an object is reachable at, if the store is
	// public.
	GetURL(key string) string

	// Delete removes an object. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)
}
