// Package objectcount maintains per-topic, per-object-type counters and
// lets other components block efficiently until a counter changes,
// rather than polling the backend on a tight loop (spec.md §4.8).
package objectcount

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mydriatech/fragtale/pkg/backend"
)

// flushInterval is how often changed local counters are persisted.
const flushInterval = 100 * time.Millisecond

// Tracker mirrors the original's ObjectCountTracker: an in-memory counter
// per (topic, object_type) flushed to the backend on a timer, plus a
// second loop that polls the backend-wide sum and wakes any local
// awaiter when it changes.
type Tracker struct {
	backend    backend.ObjectCountFacade
	instanceID uint16
	logger     *slog.Logger

	mu   sync.Mutex
	byTopic map[string]*perTopic
}

type perTopic struct {
	mu       sync.Mutex
	local    map[backend.ObjectType]*atomic.Int64
	persisted map[backend.ObjectType]int64
	lastKnownSum map[backend.ObjectType]int64
	awaiters map[backend.ObjectType][]chan struct{}
}

func newPerTopic() *perTopic {
	return &perTopic{
		local:        make(map[backend.ObjectType]*atomic.Int64),
		persisted:    make(map[backend.ObjectType]int64),
		lastKnownSum: make(map[backend.ObjectType]int64),
		awaiters:     make(map[backend.ObjectType][]chan struct{}),
	}
}

func (p *perTopic) counter(t backend.ObjectType) *atomic.Int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.local[t]
	if !ok {
		c = &atomic.Int64{}
		p.local[t] = c
	}
	return c
}

// New builds a Tracker without starting anything; Run starts its
// background flush/detect loops, which stop when Run's context is canceled.
func New(b backend.ObjectCountFacade, instanceID uint16, logger *slog.Logger) *Tracker {
	return &Tracker{
		backend:    b,
		instanceID: instanceID,
		logger:     logger,
		byTopic:    make(map[string]*perTopic),
	}
}

// Run starts the flush and change-detection loops in the background and
// returns immediately; they stop once ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	go t.flushLoop(ctx)
	go t.detectLoop(ctx)
}

func (t *Tracker) topic(topicID string) *perTopic {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.byTopic[topicID]
	if !ok {
		pt = newPerTopic()
		t.byTopic[topicID] = pt
	}
	return pt
}

// Inc increments the local counter for (topicID, objectType) and wakes any
// local awaiter immediately, ahead of the next flush/detect cycle.
func (t *Tracker) Inc(topicID string, objectType backend.ObjectType) {
	pt := t.topic(topicID)
	pt.counter(objectType).Add(1)
	t.wakeLocal(pt, objectType)
}

func (t *Tracker) wakeLocal(pt *perTopic, objectType backend.ObjectType) {
	pt.mu.Lock()
	waiters := pt.awaiters[objectType]
	delete(pt.awaiters, objectType)
	pt.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (t *Tracker) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.flushChanged(ctx)
	}
}

func (t *Tracker) flushChanged(ctx context.Context) {
	t.mu.Lock()
	topics := make(map[string]*perTopic, len(t.byTopic))
	for k, v := range t.byTopic {
		topics[k] = v
	}
	t.mu.Unlock()

	for topicID, pt := range topics {
		pt.mu.Lock()
		types := make([]backend.ObjectType, 0, len(pt.local))
		for ot := range pt.local {
			types = append(types, ot)
		}
		pt.mu.Unlock()
		for _, objectType := range types {
			current := pt.counter(objectType).Load()
			pt.mu.Lock()
			persisted := pt.persisted[objectType]
			pt.mu.Unlock()
			if current == persisted {
				continue
			}
			if err := t.backend.ObjectCountUpsert(ctx, topicID, objectType, t.instanceID, current); err != nil {
				t.logger.Warn("flushing object count", "topic", topicID, "object_type", objectType, "error", err)
				continue
			}
			pt.mu.Lock()
			pt.persisted[objectType] = current
			pt.mu.Unlock()
		}
	}
}

func (t *Tracker) detectLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.detectChanges(ctx)
	}
}

func (t *Tracker) detectChanges(ctx context.Context) {
	t.mu.Lock()
	topics := make(map[string]*perTopic, len(t.byTopic))
	for k, v := range t.byTopic {
		topics[k] = v
	}
	t.mu.Unlock()

	for topicID, pt := range topics {
		pt.mu.Lock()
		types := make([]backend.ObjectType, 0, len(pt.awaiters))
		for ot := range pt.awaiters {
			types = append(types, ot)
		}
		pt.mu.Unlock()
		for _, objectType := range types {
			rows, err := t.backend.ObjectCountByTopicAndType(ctx, topicID, objectType)
			if err != nil {
				t.logger.Warn("polling object count", "topic", topicID, "object_type", objectType, "error", err)
				continue
			}
			var sum int64
			for _, r := range rows {
				sum += r.Count
			}
			pt.mu.Lock()
			changed := pt.lastKnownSum[objectType] != sum
			pt.lastKnownSum[objectType] = sum
			pt.mu.Unlock()
			if changed {
				t.wakeLocal(pt, objectType)
			}
		}
	}
}

// GetTotalObjectCount sums every live instance's counter for
// (topicID, objectType) as currently persisted in the backend.
func (t *Tracker) GetTotalObjectCount(ctx context.Context, topicID string, objectType backend.ObjectType) (int64, error) {
	rows, err := t.backend.ObjectCountByTopicAndType(ctx, topicID, objectType)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, r := range rows {
		sum += r.Count
	}
	return sum, nil
}

// AwaitChange blocks until a change in (topicID, objectType) is detected,
// or maxWait elapses, whichever comes first.
func (t *Tracker) AwaitChange(ctx context.Context, topicID string, objectType backend.ObjectType, maxWait time.Duration) {
	pt := t.topic(topicID)
	ch := make(chan struct{})
	pt.mu.Lock()
	pt.awaiters[objectType] = append(pt.awaiters[objectType], ch)
	pt.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}
