package delivery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/integrity"
)

// Registry owns every (topic, consumer) Consumer this instance is
// currently serving, matching spec.md §3's ownership note that a
// Consumer outlives any single client session: once created it keeps
// making progress for future connections until the process exits.
type Registry struct {
	ctx        context.Context
	instanceID uint16
	backend    backend.Backend
	counts     ObjectCounter
	validator  *integrity.Validator
	logger     *slog.Logger

	mu        sync.Mutex
	consumers map[string]*Consumer
}

// NewRegistry builds a Registry. ctx bounds the lifetime of every
// Consumer's background maintainer tasks.
func NewRegistry(ctx context.Context, instanceID uint16, b backend.Backend, counts ObjectCounter, validator *integrity.Validator, logger *slog.Logger) *Registry {
	return &Registry{
		ctx:        ctx,
		instanceID: instanceID,
		backend:    b,
		counts:     counts,
		validator:  validator,
		logger:     logger,
		consumers:  make(map[string]*Consumer),
	}
}

func registryKey(topicID, consumerID string) string { return topicID + "\x00" + consumerID }

// Get returns the Consumer for (topicID, consumerID), creating and
// starting it (via EnsureConsumerSetup + the background maintainers) on
// first use.
func (r *Registry) Get(ctx context.Context, topicID, consumerID string) (*Consumer, error) {
	key := registryKey(topicID, consumerID)
	r.mu.Lock()
	c, ok := r.consumers[key]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	if err := r.backend.ConsumerDelivery().EnsureConsumerSetup(ctx, topicID, consumerID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.consumers[key]; ok {
		return c, nil
	}
	c = New(topicID, consumerID, r.instanceID, r.backend, r.counts, r.validator, r.logger)
	c.Run(r.ctx)
	r.consumers[key] = c
	return c, nil
}
