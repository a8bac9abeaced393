package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is one listed object. Path is relative to the configured prefix.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores screenshots, exports and audit archives. Large bodies go
// through PutMultipart.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves stored screenshots and exports.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	// PresignGet returns a time-limited download URL for path.
	PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error)
}
