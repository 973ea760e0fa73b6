// Package fdcache keeps a bounded number of open file handles, keyed by
// extent id, so repeated appends to the same extent don't reopen the file.
package fdcache

import (
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultSize = 100
	MinSize     = 1
	MaxSize     = 100
)

// Cache evicts in insertion order, not access order: Get never promotes an
// entry. When an entry is evicted (or removed, or cleared) its handle is
// closed.
//
// TODO: Try LRU (Get instead of Peek) once there's a benchmark with
// more destinations than cache slots.
type Cache struct {
	size int

	// serializes Insert so the contains-then-add below is atomic.
	mu  sync.Mutex
	lru *lru.Cache[string, io.Closer]
}

// New creates a cache holding up to size handles. Sizes outside of
// [MinSize, MaxSize] fall back to DefaultSize.
func New(size int) *Cache {
	if size < MinSize || size > MaxSize {
		size = DefaultSize
	}

	c, err := lru.NewWithEvict(size, func(_ string, h io.Closer) {
		h.Close()
	})
	if err != nil {
		// only happens when size <= 0, which we just ruled out.
		panic(err)
	}

	return &Cache{
		size: size,
		lru:  c,
	}
}

// Get returns the handle cached for id, if any.
func (c *Cache) Get(id string) (io.Closer, bool) {
	return c.lru.Peek(id)
}

// Insert caches h under id. If the cache is full, the oldest entry is evicted
// and closed first. If id is already cached, the old handle is closed (unless
// it is h) and id counts as newly inserted.
func (c *Cache) Insert(id string, h io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(id); ok {
		if old == h {
			return
		}
		c.lru.Remove(id)
	}

	c.lru.Add(id, h)
}

// Remove evicts id and closes its handle, if it's cached. It returns whether
// anything was removed.
func (c *Cache) Remove(id string) bool {
	return c.lru.Remove(id)
}

// Clear closes and evicts every cached handle.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Size returns the capacity of the cache.
func (c *Cache) Size() int {
	return c.size
}
