package topic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mydriatech/fragtale/pkg/backend"
)

// reloadInterval is how often the cache refreshes itself from the backend
// in the background, independent of any on-miss reload.
const reloadInterval = 10 * time.Second

type perTopicDescriptors struct {
	versionLatest uint64
	versionMin    *uint64
	byVersion     map[uint64]backend.EventDescriptor
}

// DescriptorCache caches EventDescriptors per topic, reloading from the
// backend on a timer and on cache-miss (e.g. a descriptor registered on
// another instance).
type DescriptorCache struct {
	topics backend.TopicFacade
	logger *slog.Logger

	mu   sync.RWMutex
	data map[string]*perTopicDescriptors

	reloadMu sync.Mutex // serializes concurrent on-miss reloads per cache instance
}

// NewDescriptorCache builds a cache and performs an initial synchronous
// load, then starts the background refresh loop.
func NewDescriptorCache(ctx context.Context, topics backend.TopicFacade, logger *slog.Logger) *DescriptorCache {
	c := &DescriptorCache{
		topics: topics,
		logger: logger,
		data:   make(map[string]*perTopicDescriptors),
	}
	c.reloadAllTopics(ctx)
	go c.reloadLoop()
	return c
}

func (c *DescriptorCache) reloadLoop() {
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.reloadAllTopics(context.Background())
	}
}

func (c *DescriptorCache) reloadAllTopics(ctx context.Context) {
	from := ""
	for {
		ids, err := c.topics.GetTopicIDs(ctx, from)
		if err != nil {
			c.logger.Warn("listing topic ids for descriptor reload", "error", err)
			return
		}
		for _, id := range ids {
			c.ReloadTopic(ctx, id)
			from = id
		}
		if len(ids) == 0 {
			return
		}
	}
}

// ReloadTopic reloads descriptors for one topic from the backend. Safe for
// concurrent callers; reloads are serialized per cache instance so a
// stampede of misses does not multiply backend reads.
func (c *DescriptorCache) ReloadTopic(ctx context.Context, topicID string) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	descriptors, err := c.topics.ListDescriptors(ctx, topicID, 0)
	if err != nil {
		c.logger.Warn("reloading event descriptors", "topic", topicID, "error", err)
		return
	}
	if len(descriptors) == 0 {
		c.mu.Lock()
		delete(c.data, topicID)
		c.mu.Unlock()
		return
	}

	var versionLatest uint64
	var versionMin *uint64
	byVersion := make(map[uint64]backend.EventDescriptor, len(descriptors))
	for _, d := range descriptors {
		byVersion[d.Version] = d
		if d.Version > versionLatest {
			versionLatest = d.Version
		}
		if d.VersionMin != nil && (versionMin == nil || *d.VersionMin > *versionMin) {
			v := *d.VersionMin
			versionMin = &v
		}
	}
	if versionMin != nil && *versionMin > versionLatest {
		versionMin = &versionLatest
	}

	c.mu.Lock()
	c.data[topicID] = &perTopicDescriptors{
		versionLatest: versionLatest,
		versionMin:    versionMin,
		byVersion:     byVersion,
	}
	c.mu.Unlock()
}

// VersionMin returns the minimum allowed descriptor version for a topic, if
// any descriptor has declared one.
func (c *DescriptorCache) VersionMin(topicID string) *uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pted, ok := c.data[topicID]
	if !ok {
		return nil
	}
	return pted.versionMin
}

// ByVersion returns the descriptor for topicID at exactly version,
// reloading once from the backend on a cache miss.
func (c *DescriptorCache) ByVersion(ctx context.Context, topicID string, version uint64) (*backend.EventDescriptor, bool) {
	if d, ok := c.byVersionCached(topicID, version); ok {
		return d, true
	}
	c.ReloadTopic(ctx, topicID)
	return c.byVersionCached(topicID, version)
}

func (c *DescriptorCache) byVersionCached(topicID string, version uint64) (*backend.EventDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pted, ok := c.data[topicID]
	if !ok {
		return nil, false
	}
	d, ok := pted.byVersion[version]
	if !ok {
		return nil, false
	}
	return &d, true
}

// Latest returns the latest known descriptor for a topic, if any.
func (c *DescriptorCache) Latest(topicID string) (*backend.EventDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pted, ok := c.data[topicID]
	if !ok {
		return nil, false
	}
	d, ok := pted.byVersion[pted.versionLatest]
	return &d, ok
}
