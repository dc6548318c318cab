package storage

import "context"

// BlobStore defines the interface for the object sink that flushed session
// recordings are written to. Implementations must be idempotent by key so
// that a failed flush can be retried against the same path.
type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// Health check
	Ping(ctx context.Context) error
}
