package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fmcg/dimpipe/internal/aws"
	"github.com/fmcg/dimpipe/internal/config"
)

// ErrNoFiles is returned when a listing matches nothing.
var ErrNoFiles = errors.New("no source files matched")

// FileInfo describes one raw export file.
type FileInfo struct {
	Name string `json:"name"` // base name
	Path string `json:"path"` // full local path or s3:// URI
	Size int64  `json:"size"`
}

// Reader lists and opens the raw files of one data source.
type Reader interface {
	// List returns the matching files sorted by path, or ErrNoFiles.
	List(ctx context.Context) ([]FileInfo, error)
	Open(ctx context.Context, f FileInfo) (io.ReadCloser, error)
	// Location is the glob the reader matches, for logs and reports.
	Location() string
}

// New builds the reader configured for the given data source.
func New(ctx context.Context, cfg *config.Config) (Reader, error) {
	switch cfg.Source.Type {
	case config.SourceLocal:
		return NewLocalReader(config.ExpandHome(cfg.Source.Path), cfg.Params.DataSource, cfg.Source.Pattern), nil
	case config.SourceS3:
		client, err := aws.NewRealClient(ctx, aws.Options{
			Profile:  cfg.Source.Profile,
			Region:   cfg.Source.Region,
			Endpoint: cfg.Source.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return NewS3Reader(client, cfg.Source.Bucket, cfg.Source.Prefix, cfg.Params.DataSource, cfg.Source.Pattern), nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", cfg.Source.Type)
	}
}

func sortFiles(files []FileInfo) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

func joinKey(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
