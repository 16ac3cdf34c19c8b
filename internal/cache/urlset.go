package cache

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// Sized for a large batch at a 1% false positive rate.
	defaultSetCapacity = 1_000_000
	defaultSetFPRate   = 0.01
)

// URLSet is a concurrent set of URLs. Most lookups are misses, so a bloom
// filter answers them before the exact set is consulted. A URL enters the
// filter before the exact set, so a filter miss is always a true miss.
type URLSet struct {
	bloomMu sync.RWMutex
	bloom   *bloom.BloomFilter
	exact   sync.Map
	size    atomic.Int64
}

// NewURLSet sizes the filter for capacity entries. Zero selects the default.
func NewURLSet(capacity uint) *URLSet {
	if capacity == 0 {
		capacity = defaultSetCapacity
	}
	return &URLSet{
		bloom: bloom.NewWithEstimates(capacity, defaultSetFPRate),
	}
}

func (s *URLSet) mayContain(u string) bool {
	s.bloomMu.RLock()
	defer s.bloomMu.RUnlock()
	return s.bloom.TestString(u)
}

// Contains reports whether u was added.
func (s *URLSet) Contains(u string) bool {
	if !s.mayContain(u) {
		return false
	}
	_, ok := s.exact.Load(u)
	return ok
}

// Add inserts u and returns false if it was already present.
func (s *URLSet) Add(u string) bool {
	if s.mayContain(u) {
		if _, ok := s.exact.Load(u); ok {
			return false
		}
	}

	s.bloomMu.Lock()
	s.bloom.AddString(u)
	s.bloomMu.Unlock()

	if _, loaded := s.exact.LoadOrStore(u, struct{}{}); loaded {
		return false
	}
	s.size.Add(1)
	return true
}

// Len returns the number of URLs in the set.
func (s *URLSet) Len() int {
	return int(s.size.Load())
}
