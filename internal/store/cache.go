package store

import (
	"context"
	"log/slog"
	"slices"

	"github.com/raphaelgruber/omnisync/internal/metrics"
)

// CacheConfig describes one collection cache.
type CacheConfig[T any, K comparable] struct {
	Name  string
	Fetch func(ctx context.Context) ([]T, error)
	// Key identifies an item. Merges match on key equality.
	Key func(T) K
	// Compare orders the collection. Nil keeps insertion order.
	Compare func(a, b T) int
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Cache is a lazily populated, observable collection.
type Cache[T any, K comparable] struct {
	lazy
	key     func(T) K
	compare func(a, b T) int
	items   []T
}

// NewCache creates an unpopulated cache. Background fetches run under ctx.
func NewCache[T any, K comparable](ctx context.Context, cfg CacheConfig[T, K]) *Cache[T, K] {
	c := &Cache[T, K]{key: cfg.Key, compare: cfg.Compare}
	c.init(ctx, cfg.Name, func(ctx context.Context) (result, error) {
		items, err := cfg.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		return func() func() {
			c.items = c.sorted(items)
			return nil
		}, nil
	}, cfg.Logger, cfg.Metrics)
	return c
}

// Peek returns the current snapshot without triggering a fetch.
func (c *Cache[T, K]) Peek() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// Items returns the current snapshot and starts a background fetch the first
// time the cache is read while unpopulated. It never blocks on the network.
func (c *Cache[T, K]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerLocked()
	return slices.Clone(c.items)
}

// Get returns the item with the given key.
func (c *Cache[T, K]) Get(k K) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, item := range c.items {
		if c.key(item) == k {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Merge replaces the item with the same key, or adds it.
func (c *Cache[T, K]) Merge(item T) {
	c.mu.Lock()
	c.mergeLocked(item)
	c.mu.Unlock()

	c.Broadcast()
}

func (c *Cache[T, K]) mergeLocked(item T) {
	k := c.key(item)
	for i := range c.items {
		if c.key(c.items[i]) == k {
			c.items[i] = item
			return
		}
	}
	c.items = append(c.items, item)
	if c.compare != nil {
		slices.SortStableFunc(c.items, c.compare)
	}
}

func (c *Cache[T, K]) sorted(items []T) []T {
	items = slices.Clone(items)
	if c.compare != nil {
		slices.SortStableFunc(items, c.compare)
	}
	if items == nil {
		items = []T{}
	}
	return items
}
