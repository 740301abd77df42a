package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/fmcg/dimpipe/internal/aws"
)

// S3Reader matches objects directly under s3://{bucket}/{prefix}/{dataSource}/.
type S3Reader struct {
	client  aws.Client
	bucket  string
	prefix  string
	pattern string
}

// NewS3Reader creates a reader over one bucket prefix.
func NewS3Reader(client aws.Client, bucket, prefix, dataSource, pattern string) *S3Reader {
	return &S3Reader{
		client:  client,
		bucket:  bucket,
		prefix:  joinKey(prefix, dataSource) + "/",
		pattern: pattern,
	}
}

func (r *S3Reader) Location() string {
	return fmt.Sprintf("s3://%s/%s%s", r.bucket, r.prefix, r.pattern)
}

func (r *S3Reader) List(ctx context.Context) ([]FileInfo, error) {
	objects, err := r.client.ListObjects(ctx, r.bucket, r.prefix)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, r.prefix)
		if rel == "" || strings.Contains(rel, "/") {
			continue
		}
		ok, err := path.Match(r.pattern, rel)
		if err != nil {
			return nil, fmt.Errorf("matching pattern %q: %w", r.pattern, err)
		}
		if !ok {
			continue
		}
		files = append(files, FileInfo{
			Name: rel,
			Path: fmt.Sprintf("s3://%s/%s", r.bucket, obj.Key),
			Size: obj.Size,
		})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, r.Location())
	}
	sortFiles(files)
	return files, nil
}

func (r *S3Reader) Open(ctx context.Context, f FileInfo) (io.ReadCloser, error) {
	bucket, key, err := aws.ParseURI(f.Path)
	if err != nil {
		return nil, err
	}
	return r.client.GetObject(ctx, bucket, key)
}
