package mem

import (
	"context"
	"sort"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type consumerDeliveryFacade Backend

func (f *consumerDeliveryFacade) b() *Backend { return (*Backend)(f) }

func (f *consumerDeliveryFacade) consumer(topicID, consumerID string) *consumerState {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.consumers[consumerID]
	if !ok {
		c = newConsumerState()
		t.consumers[consumerID] = c
	}
	return c
}

func (f *consumerDeliveryFacade) EnsureConsumerSetup(ctx context.Context, topicID, consumerID string) error {
	f.consumer(topicID, consumerID)
	return nil
}

func (f *consumerDeliveryFacade) ConsumerGetAttemptedByID(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, bool, error) {
	c := f.consumer(topicID, consumerID)
	return c.attempted, c.hasAttempted, nil
}

func (f *consumerDeliveryFacade) ConsumerSetAttemptedByID(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) (bool, error) {
	c := f.consumer(topicID, consumerID)
	c.attempted = ut
	c.hasAttempted = true
	return true, nil
}

func (f *consumerDeliveryFacade) ConsumerGetDoneByID(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, bool, error) {
	c := f.consumer(topicID, consumerID)
	return c.done, c.hasDone, nil
}

func (f *consumerDeliveryFacade) ConsumerSetDoneByID(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) (bool, error) {
	c := f.consumer(topicID, consumerID)
	c.done = ut
	c.hasDone = true
	return true, nil
}

func (f *consumerDeliveryFacade) DeliveryIntentReserve(ctx context.Context, topicID, consumerID, eventID string, ut uniquetime.UniqueTime, instanceID uint16, descriptorVersion *uint64, intentTS uint64, freshnessMicros uint64, failedIntentTS *uint64) (bool, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.consumers[consumerID]
	if !ok {
		c = newConsumerState()
		t.consumers[consumerID] = c
	}
	list := c.intents[ut]
	for _, di := range list {
		if di.DeliveringInstanceID == instanceID {
			di.EventID = eventID
			di.DescriptorVersion = descriptorVersion
			di.IntentTS = intentTS
			di.Retracted = false
			return true, nil
		}
	}
	c.intents[ut] = append(list, &backend.DeliveryIntent{
		Topic:                topicID,
		ConsumerID:           consumerID,
		UniqueTime:           ut,
		DeliveringInstanceID: instanceID,
		IntentTS:             intentTS,
		EventID:              eventID,
		DescriptorVersion:    descriptorVersion,
	})
	return true, nil
}

func (f *consumerDeliveryFacade) DeliveryIntentsAt(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) ([]backend.DeliveryIntent, error) {
	c := f.consumer(topicID, consumerID)
	list := c.intents[ut]
	out := make([]backend.DeliveryIntent, 0, len(list))
	for _, di := range list {
		out = append(out, *di)
	}
	return out, nil
}

func (f *consumerDeliveryFacade) DeliveryIntentRetract(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime, instanceID uint16, writeTimeMicros uint64) error {
	c := f.consumer(topicID, consumerID)
	for _, di := range c.intents[ut] {
		if di.DeliveringInstanceID == instanceID {
			di.Retracted = true
			di.RetractedWriteTime = writeTimeMicros
		}
	}
	return nil
}

func (f *consumerDeliveryFacade) DeliveryIntentMarkDone(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) error {
	c := f.consumer(topicID, consumerID)
	for _, di := range c.intents[ut] {
		di.Done = true
	}
	return nil
}

func (f *consumerDeliveryFacade) DeliveryIntentInsertDone(ctx context.Context, topicID, consumerID, eventID string, ut uniquetime.UniqueTime, instanceID uint16, descriptorVersion *uint64, intentTS uint64) error {
	// No audit trail kept for the ephemeral store.
	return nil
}

func (f *consumerDeliveryFacade) PopulateDeliveryCacheWithFresh(ctx context.Context, topicID, consumerID string, sink backend.DeliveryIntentTemplateInsertable, attempted uniquetime.UniqueTime) (uint64, bool, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.consumers[consumerID]
	if !ok {
		c = newConsumerState()
		t.consumers[consumerID] = c
	}

	i := sort.Search(len(t.eventUTOrder), func(i int) bool { return t.eventUTOrder[i] > attempted })
	lastAttemptedTS := attempted.AsEncoded()
	anyNewFound := false
	for ; i < len(t.eventUTOrder); i++ {
		ut := t.eventUTOrder[i]
		if hasDoneIntent(c, ut) {
			continue
		}
		ev, ok := t.eventsByUT[ut]
		if !ok {
			continue
		}
		sink.Insert(backend.DeliveryIntentTemplate{
			UniqueTime:        ut,
			EventID:           ev.EventID,
			DescriptorVersion: ev.DescriptorVersion,
		})
		lastAttemptedTS = ut.AsEncoded()
		anyNewFound = true
	}
	return lastAttemptedTS, anyNewFound, nil
}

func (f *consumerDeliveryFacade) PopulateDeliveryCacheWithRetries(ctx context.Context, topicID, consumerID string, sink backend.DeliveryIntentTemplateInsertable, done uniquetime.UniqueTime, freshnessMicros, clockSkewToleranceMicros uint64) (uint64, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.consumers[consumerID]
	if !ok {
		c = newConsumerState()
		t.consumers[consumerID] = c
	}

	i := sort.Search(len(t.eventUTOrder), func(i int) bool { return t.eventUTOrder[i] > done })
	allDone := true
	confirmedDoneTS := done.AsEncoded()
	timeoutTS := nowMicros() - freshnessMicros
	for ; i < len(t.eventUTOrder); i++ {
		ut := t.eventUTOrder[i]
		if ut.AsEncoded() >= timeoutTS {
			break
		}
		if noDoneOrFresh(c, ut, timeoutTS) {
			ev, ok := t.eventsByUT[ut]
			if ok {
				sink.Insert(backend.DeliveryIntentTemplate{
					UniqueTime:        ut,
					EventID:           ev.EventID,
					DescriptorVersion: ev.DescriptorVersion,
					FailedIntentTS:    intentTSIfFailed(c, ut),
				})
				allDone = false
			}
		} else if allDone {
			if hasDoneIntent(c, ut) {
				confirmedDoneTS = ut.AsEncoded()
			} else {
				allDone = false
			}
		}
	}
	return confirmedDoneTS, nil
}

func hasDoneIntent(c *consumerState, ut uniquetime.UniqueTime) bool {
	for _, di := range c.intents[ut] {
		if di.Done {
			return true
		}
	}
	return false
}

func noDoneOrFresh(c *consumerState, ut uniquetime.UniqueTime, timeoutTS uint64) bool {
	for _, di := range c.intents[ut] {
		if di.Done || di.IntentTS > timeoutTS {
			return false
		}
	}
	return true
}

func intentTSIfFailed(c *consumerState, ut uniquetime.UniqueTime) *uint64 {
	for _, di := range c.intents[ut] {
		if !di.Done {
			ts := di.IntentTS
			return &ts
		}
	}
	return nil
}
