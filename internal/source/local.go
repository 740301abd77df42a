package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalReader matches files in a local directory.
type LocalReader struct {
	dir     string
	pattern string
}

// NewLocalReader reads {base}/{dataSource}/{pattern}.
func NewLocalReader(base, dataSource, pattern string) *LocalReader {
	return &LocalReader{dir: filepath.Join(base, dataSource), pattern: pattern}
}

func (r *LocalReader) Location() string {
	return filepath.Join(r.dir, r.pattern)
}

func (r *LocalReader) List(_ context.Context) ([]FileInfo, error) {
	matches, err := filepath.Glob(r.Location())
	if err != nil {
		return nil, fmt.Errorf("matching %s: %w", r.Location(), err)
	}

	var files []FileInfo
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", m, err)
		}
		if st.IsDir() {
			continue
		}
		files = append(files, FileInfo{Name: filepath.Base(m), Path: m, Size: st.Size()})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, r.Location())
	}
	sortFiles(files)
	return files, nil
}

func (r *LocalReader) Open(_ context.Context, f FileInfo) (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Path, err)
	}
	return file, nil
}
