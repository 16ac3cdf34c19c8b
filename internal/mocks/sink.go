package mocks

import (
	"context"
	"io"
	"net/http"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/Harvey-AU/doc-resolver/internal/storage"
	"github.com/stretchr/testify/mock"
)

// MockSink is a mock implementation of engine.Sink
type MockSink struct {
	mock.Mock
}

// Emit mocks the Emit method
func (m *MockSink) Emit(ctx context.Context, rec retrieval.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// MockFileStore is a mock implementation of engine.FileStore. The body is
// drained so the caller sees a fully consumed reader.
type MockFileStore struct {
	mock.Mock
}

// Store mocks the Store method
func (m *MockFileStore) Store(ctx context.Context, body io.Reader, name string, expectedSize int64) (storage.Stored, error) {
	if body != nil {
		_, _ = io.Copy(io.Discard, body)
	}
	args := m.Called(ctx, name, expectedSize)
	return args.Get(0).(storage.Stored), args.Error(1)
}

// MockPlatformDetector is a mock implementation of engine.PlatformDetector
type MockPlatformDetector struct {
	mock.Mock
}

// Platform mocks the Platform method
func (m *MockPlatformDetector) Platform(domain string, headers http.Header, body []byte) []string {
	args := m.Called(domain, headers, body)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]string)
}
