package cache

import (
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
)

// TargetIndex maps resolved target URLs to the record that claimed them.
// Inserts are atomic so two workers cannot both claim one target.
type TargetIndex struct {
	entries *InMemoryCache
}

// NewTargetIndex creates an empty index.
func NewTargetIndex() *TargetIndex {
	return &TargetIndex{entries: NewInMemoryCache()}
}

// Lookup returns the entry for url, if any.
func (t *TargetIndex) Lookup(url string) (retrieval.TargetEntry, bool) {
	v, ok := t.entries.Get(url)
	if !ok {
		return retrieval.TargetEntry{}, false
	}
	return v.(retrieval.TargetEntry), true
}

// Claim inserts entry for url unless another record holds it. It returns the
// holder and true when this call won.
func (t *TargetIndex) Claim(url string, entry retrieval.TargetEntry) (retrieval.TargetEntry, bool) {
	v, inserted := t.entries.SetIfAbsent(url, entry)
	return v.(retrieval.TargetEntry), inserted
}

// Len returns the number of claimed targets.
func (t *TargetIndex) Len() int {
	return t.entries.Len()
}

// Entries returns a copy of the index, keyed by target URL.
func (t *TargetIndex) Entries() map[string]retrieval.TargetEntry {
	out := make(map[string]retrieval.TargetEntry, t.entries.Len())
	t.entries.Range(func(k string, v any) bool {
		out[k] = v.(retrieval.TargetEntry)
		return true
	})
	return out
}
