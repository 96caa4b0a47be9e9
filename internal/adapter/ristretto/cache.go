// Package ristretto implements the cache port with dgraph-io/ristretto,
// serving as the short-TTL L1 in front of the audit read queries.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache adapts a ristretto cache to the cache port. Values are cached by
// byte size, so a handful of large work trails cannot evict everything
// else on entry count alone.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates the cache with maxCostBytes as the total budget for cached
// value bytes.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected entries
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns the cached value for key, reporting whether it was present.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores value under key for at most ttl, costed by its length.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete evicts key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close releases the cache's internal goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
