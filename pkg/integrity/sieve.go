package integrity

import (
	"container/list"
	"sync"
)

type sieveEntry struct {
	key     string
	visited bool
}

// SieveCache is a small membership cache for root hashes already proven
// valid, so repeated deliveries of events sharing a root don't re-walk
// the secret-validation path every time. It implements SIEVE (see
// https://junchengyang.com/publication/nsdi24-SIEVE.pdf): a FIFO queue
// with a single "hand" that skips and un-marks recently visited entries
// instead of evicting them outright.
//
// The original is a lock-free structure built on a concurrent skip map;
// this port uses a plain mutex-guarded list, which is simpler and
// adequate at the small sizes (order 100s of entries) this cache runs
// at.
type SieveCache struct {
	mu       sync.Mutex
	maxSize  int
	order    *list.List // front = newest, back = oldest
	elements map[string]*list.Element
	hand     *list.Element
}

// NewSieveCache returns a cache that evicts down towards maxSize.
func NewSieveCache(maxSize int) *SieveCache {
	return &SieveCache{
		maxSize:  maxSize,
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// Contains reports whether key is cached, marking it visited if so.
func (c *SieveCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.elements[key]
	if !ok {
		return false
	}
	el.Value.(*sieveEntry).visited = true
	return true
}

// Insert adds key unless already present, evicting down to maxSize if
// the cache has grown past it.
func (c *SieveCache) Insert(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.elements[key]; ok {
		return
	}
	el := c.order.PushFront(&sieveEntry{key: key})
	c.elements[key] = el
	if len(c.elements) > c.maxSize {
		c.evictOne()
	}
}

// evictOne advances the hand from the tail, clearing visited bits until
// it finds (and removes) an unvisited entry.
func (c *SieveCache) evictOne() {
	hand := c.hand
	if hand == nil {
		hand = c.order.Back()
	}
	for hand != nil {
		entry := hand.Value.(*sieveEntry)
		prev := hand.Prev()
		if entry.visited {
			entry.visited = false
			hand = prev
			if hand == nil {
				hand = c.order.Back()
			}
			continue
		}
		delete(c.elements, entry.key)
		c.order.Remove(hand)
		c.hand = prev
		return
	}
	c.hand = nil
}
