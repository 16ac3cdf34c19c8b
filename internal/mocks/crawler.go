package mocks

import (
	"context"

	"github.com/Harvey-AU/doc-resolver/internal/crawler"
	"github.com/stretchr/testify/mock"
)

// MockPageCrawler is a mock implementation of engine.PageCrawler
type MockPageCrawler struct {
	mock.Mock
}

// Crawl mocks the Crawl method
func (m *MockPageCrawler) Crawl(ctx context.Context, page crawler.Page) (*crawler.Found, error) {
	args := m.Called(ctx, page)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*crawler.Found), args.Error(1)
}

// SlowScan mocks the SlowScan method
func (m *MockPageCrawler) SlowScan() *crawler.SlowScanStats {
	args := m.Called()

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).(*crawler.SlowScanStats)
}
