// Package cache provides a small thread-safe LRU cache.
//
//	c := cache.New[string, []uint32](64)
//	words, err := c.GetOrCreate(key, compile)
//
// Entries beyond the capacity are evicted least recently used first.
package cache
