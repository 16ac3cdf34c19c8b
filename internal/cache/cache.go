// Package cache holds the run's in-memory indexes.
package cache

import "sync"

// InMemoryCache is a simple, concurrent-safe in-memory key-value store.
type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]any
}

// NewInMemoryCache creates and returns a new InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]any),
	}
}

// Get retrieves a value from the cache.
// It returns the value and true if the key exists, otherwise nil and false.
func (c *InMemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, found := c.items[key]
	return item, found
}

// Set adds or updates a value in the cache.
func (c *InMemoryCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
}

// Delete removes a value from the cache.
func (c *InMemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// SetIfAbsent stores value unless key is present. It returns the stored value
// and whether this call inserted it.
func (c *InMemoryCache) SetIfAbsent(key string, value any) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, found := c.items[key]; found {
		return existing, false
	}
	c.items[key] = value
	return value, true
}

// Len returns the number of stored keys.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Range calls fn for every entry until fn returns false.
func (c *InMemoryCache) Range(fn func(key string, value any) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.items {
		if !fn(k, v) {
			return
		}
	}
}
