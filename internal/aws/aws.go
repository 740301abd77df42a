package aws

import (
	"context"
	"io"
	"time"
)

// Client defines the object storage operations the pipeline needs.
type Client interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// Object describes one listed S3 object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Options select the credentials and endpoint used by the real client.
type Options struct {
	Profile  string
	Region   string
	Endpoint string // S3-compatible endpoint such as MinIO; path-style addressing is used
}
