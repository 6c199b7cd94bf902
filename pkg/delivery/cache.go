package delivery

import (
	"sync"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

// Cache is a bounded, unique-time-ordered FIFO of delivery candidates
// waiting to be reserved. It implements
// backend.DeliveryIntentTemplateInsertable so the fresh/retry producers
// can feed it without importing this package.
//
// Grounded on the original's ConsumerDeliveryCache: a small in-memory
// queue the two maintainer tasks fill and reserve_delivery_intent drains,
// deduplicating by unique_time since both producers may offer the same
// candidate.
type Cache struct {
	mu       sync.Mutex
	order    []uniquetime.UniqueTime
	byUT     map[uniquetime.UniqueTime]backend.DeliveryIntentTemplate
	capacity int
}

// NewCache builds a Cache bounded to capacity entries; oldest entries are
// dropped once full, since they remain discoverable on the next
// fresh/retry scan pass.
func NewCache(capacity int) *Cache {
	return &Cache{
		byUT:     make(map[uniquetime.UniqueTime]backend.DeliveryIntentTemplate),
		capacity: capacity,
	}
}

// Insert implements backend.DeliveryIntentTemplateInsertable.
func (c *Cache) Insert(t backend.DeliveryIntentTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byUT[t.UniqueTime]; exists {
		c.byUT[t.UniqueTime] = t
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byUT, oldest)
	}
	c.order = append(c.order, t.UniqueTime)
	c.byUT[t.UniqueTime] = t
}

// Next pops the oldest template, or reports false if the cache is empty.
func (c *Cache) Next() (backend.DeliveryIntentTemplate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return backend.DeliveryIntentTemplate{}, false
	}
	ut := c.order[0]
	c.order = c.order[1:]
	t := c.byUT[ut]
	delete(c.byUT, ut)
	return t, true
}

// Len reports the number of queued candidates.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
