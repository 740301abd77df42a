package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// MockClient is a test double for the Client interface backed by a map.
type MockClient struct {
	ListErr error
	GetErr  error
	PutErr  error

	// Objects maps "bucket/key" to content.
	Objects map[string][]byte
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{Objects: make(map[string][]byte)}
}

// Put stores an object, for test setup.
func (m *MockClient) Put(bucket, key string, data []byte) {
	m.Objects[bucket+"/"+key] = data
}

func (m *MockClient) ListObjects(_ context.Context, bucket, prefix string) ([]Object, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []Object
	for k, v := range m.Objects {
		b, key, _ := strings.Cut(k, "/")
		if b != bucket || !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, Object{Key: key, Size: int64(len(v)), LastModified: time.Unix(0, 0).UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MockClient) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	data, ok := m.Objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("getting s3://%s/%s: no such key", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockClient) PutObject(_ context.Context, bucket, key string, data []byte) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	m.Put(bucket, key, data)
	return nil
}
