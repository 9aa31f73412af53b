package reservoir

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// hotCache is the fixed-capacity LRU tier. It is not safe for concurrent
// use; the reservoir guards it.
type hotCache[V any] struct {
	lru     *simplelru.LRU[string, Entry[V]]
	evicted []string
}

func newHotCache[V any](capacity int) *hotCache[V] {
	c := &hotCache[V]{}
	// NewLRU only fails for a non-positive size.
	c.lru, _ = simplelru.NewLRU[string, Entry[V]](max(capacity, 1), func(key string, _ Entry[V]) {
		c.evicted = append(c.evicted, key)
	})
	return c
}

// get returns the entry and marks it most recently used.
func (c *hotCache[V]) get(key string) (Entry[V], bool) {
	return c.lru.Get(key)
}

// peek returns the entry without touching recency.
func (c *hotCache[V]) peek(key string) (Entry[V], bool) {
	return c.lru.Peek(key)
}

// put stores e as most recently used and returns the keys evicted to make
// room for it.
func (c *hotCache[V]) put(e Entry[V]) []string {
	e.Tier = TierHot
	c.evicted = c.evicted[:0]
	c.lru.Add(e.Key, e)
	if len(c.evicted) == 0 {
		return nil
	}
	return append([]string(nil), c.evicted...)
}

func (c *hotCache[V]) remove(key string) bool {
	c.evicted = c.evicted[:0]
	return c.lru.Remove(key)
}

func (c *hotCache[V]) len() int { return c.lru.Len() }

// keys returns keys from least to most recently used.
func (c *hotCache[V]) keys() []string { return c.lru.Keys() }
