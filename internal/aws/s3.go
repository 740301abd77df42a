package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// IsURI reports whether s is an s3:// URI.
func IsURI(s string) bool {
	return strings.HasPrefix(s, "s3://")
}

// ParseURI splits s3://bucket/key into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	if !IsURI(uri) {
		return "", "", fmt.Errorf("invalid S3 URI %q: missing s3:// scheme", uri)
	}
	bucket, key, _ = strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid S3 URI %q: missing bucket", uri)
	}
	return bucket, key, nil
}

// ReadURI downloads the object at an s3:// URI.
func ReadURI(ctx context.Context, client Client, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("invalid S3 URI %q: missing key", uri)
	}
	body, err := client.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	return data, nil
}

// WriteURI uploads data to an s3:// URI.
func WriteURI(ctx context.Context, client Client, uri string, data []byte) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return fmt.Errorf("invalid S3 URI %q: missing object key", uri)
	}
	return client.PutObject(ctx, bucket, key, bytes.Clone(data))
}
