package source

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// MockReader is a test double for the Reader interface. Files maps base
// name to content.
type MockReader struct {
	Files   map[string]string
	ListErr error
	OpenErr error

	Opened []string
}

func (m *MockReader) Location() string {
	return "mock://*.csv"
}

func (m *MockReader) List(_ context.Context) ([]FileInfo, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, m.Location())
	}
	files := make([]FileInfo, 0, len(m.Files))
	for name, content := range m.Files {
		files = append(files, FileInfo{Name: name, Path: "mock://" + name, Size: int64(len(content))})
	}
	sortFiles(files)
	return files, nil
}

func (m *MockReader) Open(_ context.Context, f FileInfo) (io.ReadCloser, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	content, ok := m.Files[f.Name]
	if !ok {
		return nil, fmt.Errorf("no such file %s", f.Name)
	}
	m.Opened = append(m.Opened, f.Name)
	return io.NopCloser(strings.NewReader(content)), nil
}
