// Package delivery implements the per-consumer delivery pipeline of
// spec.md §4.3: two background cache-maintainer tasks (fresh and retry)
// feeding a small in-memory cache, and a reservation routine that lets
// exactly one broker instance win delivery of any given event to any
// given consumer.
package delivery

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/broker"
	"github.com/mydriatech/fragtale/pkg/integrity"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

// FreshnessMicros bounds how long a reserved-but-undone delivery blocks
// redelivery before another instance may retry it.
const FreshnessMicros uint64 = 3_000_000

// ClockSkewToleranceMicros is subtracted from computed baselines to absorb
// clock drift between instances, per spec.md §4.3.
const ClockSkewToleranceMicros uint64 = 100_000

// cacheCapacity is a small multiple of expected per-consumer throughput.
const cacheCapacity = 256

// ObjectCounter is the subset of objectcount.Tracker the delivery pipeline
// depends on, defined locally to avoid a dependency cycle on its
// constructor signature.
type ObjectCounter interface {
	Inc(topicID string, objectType backend.ObjectType)
	AwaitChange(ctx context.Context, topicID string, objectType backend.ObjectType, maxWait time.Duration)
	GetTotalObjectCount(ctx context.Context, topicID string, objectType backend.ObjectType) (int64, error)
}

// Consumer tracks and reserves delivery of events published to one topic
// for one consumer group. Grounded on the original's TopicConsumer: two
// long-running maintainer tasks feed a bounded cache that
// ReserveDeliveryIntent drains, each candidate raced across instances via
// the (retracted_write_time, intent_ts, instance_id) tie-break from
// spec.md §4.3.
type Consumer struct {
	topicID    string
	consumerID string
	instanceID uint16

	delivery  backend.ConsumerDeliveryFacade
	events    backend.EventFacade
	counts    ObjectCounter
	validator *integrity.Validator
	logger    *slog.Logger

	cache *Cache

	lastReservationAttemptMicros atomic.Uint64
	maintainFreshHasRun          atomic.Bool
	maintainRetryHasRun          atomic.Bool
}

// New builds a Consumer without starting anything; Run starts its two
// background maintainer tasks, which stop when Run's context is canceled
// (or live for the lifetime of the process, matching the original's
// per-connection lifetime model where a Consumer outlives any single
// client session).
func New(
	topicID, consumerID string,
	instanceID uint16,
	b backend.Backend,
	counts ObjectCounter,
	validator *integrity.Validator,
	logger *slog.Logger,
) *Consumer {
	c := &Consumer{
		topicID:    topicID,
		consumerID: consumerID,
		instanceID: instanceID,
		delivery:   b.ConsumerDelivery(),
		events:     b.Event(),
		counts:     counts,
		validator:  validator,
		logger:     logger,
		cache:      NewCache(cacheCapacity),
	}
	return c
}

// Run starts the fresh and retry cache maintainers in the background and
// returns immediately; they stop once ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	go c.maintainFresh(ctx)
	go c.maintainRetries(ctx)
}

// ReserveDeliveryIntent pulls candidates from the cache until one is won
// outright by this instance, the cache runs dry, or ctx is canceled.
func (c *Consumer) ReserveDeliveryIntent(ctx context.Context, descriptorVersion *uint64) (*backend.EventDeliveryGist, error) {
	for !c.maintainFreshHasRun.Load() || !c.maintainRetryHasRun.Load() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(128 * time.Millisecond):
		}
	}
	c.lastReservationAttemptMicros.Store(nowMicros())

	for {
		tmpl, ok := c.cache.Next()
		if !ok {
			return nil, nil
		}
		if descriptorVersion != nil && tmpl.DescriptorVersion != nil && *tmpl.DescriptorVersion > *descriptorVersion {
			continue
		}
		won, err := c.reserveOne(ctx, tmpl)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		c.counts.Inc(c.topicID, backend.ObjectTypeReservedDeliveryIntents)
		ev, err := c.events.EventByIDAndUniqueTime(ctx, c.topicID, tmpl.EventID, tmpl.UniqueTime)
		if err != nil {
			return nil, broker.Wrap(broker.Unspecified, "loading reserved event", err)
		}
		if ev == nil {
			continue
		}
		utBytes := tmpl.UniqueTime.AsBytes()
		if !c.validator.ValidateProtectionRefOfEvent(ctx, c.topicID, ev.Document, ev.ProtectionRef, utBytes[:]) {
			_ = c.delivery.DeliveryIntentMarkDone(ctx, c.topicID, c.consumerID, tmpl.UniqueTime)
			return nil, broker.New(broker.IntegrityProtectionError, "integrity validation failed for event "+ev.EventID)
		}
		return &backend.EventDeliveryGist{
			UniqueTime:       tmpl.UniqueTime,
			Document:         ev.Document,
			CorrelationToken: ev.CorrelationToken,
			EventID:          ev.EventID,
			ProtectionRef:    ev.ProtectionRef,
			InstanceID:       c.instanceID,
		}, nil
	}
}

// ConfirmDelivery marks the delivery intent for ut as done.
func (c *Consumer) ConfirmDelivery(ctx context.Context, ut uniquetime.UniqueTime) error {
	return c.delivery.DeliveryIntentMarkDone(ctx, c.topicID, c.consumerID, ut)
}

// reserveOne implements spec.md §4.3's reservation steps 3-5: a
// pre-write freshness check, a write of this instance's own intent, then
// a re-read and deterministic tie-break among every non-stale intent at
// ut. Exactly one instance observes itself first in that ordering.
func (c *Consumer) reserveOne(ctx context.Context, tmpl backend.DeliveryIntentTemplate) (bool, error) {
	now := nowMicros()
	cutoff := saturatingSub(now, FreshnessMicros)

	existing, err := c.delivery.DeliveryIntentsAt(ctx, c.topicID, c.consumerID, tmpl.UniqueTime)
	if err != nil {
		return false, broker.Wrap(broker.Unspecified, "reading delivery intents", err)
	}
	for _, di := range existing {
		if di.Done {
			return false, nil
		}
		if !di.Retracted && di.IntentTS > cutoff {
			return false, nil
		}
	}

	intentTS := nowMicros()
	ok, err := c.delivery.DeliveryIntentReserve(
		ctx, c.topicID, c.consumerID, tmpl.EventID, tmpl.UniqueTime,
		c.instanceID, tmpl.DescriptorVersion, intentTS, FreshnessMicros, tmpl.FailedIntentTS,
	)
	if err != nil {
		return false, broker.Wrap(broker.Unspecified, "writing delivery intent", err)
	}
	if !ok {
		return false, nil
	}

	all, err := c.delivery.DeliveryIntentsAt(ctx, c.topicID, c.consumerID, tmpl.UniqueTime)
	if err != nil {
		return false, broker.Wrap(broker.Unspecified, "re-reading delivery intents", err)
	}
	cutoff = saturatingSub(nowMicros(), FreshnessMicros)
	live := make([]backend.DeliveryIntent, 0, len(all))
	for _, di := range all {
		if di.IntentTS > cutoff || di.Done {
			live = append(live, di)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].RetractedWriteTime != live[j].RetractedWriteTime {
			return live[i].RetractedWriteTime < live[j].RetractedWriteTime
		}
		if live[i].IntentTS != live[j].IntentTS {
			return live[i].IntentTS < live[j].IntentTS
		}
		return live[i].DeliveringInstanceID < live[j].DeliveringInstanceID
	})
	if len(live) == 0 {
		return false, nil
	}
	if live[0].Done {
		return false, nil
	}
	if live[0].DeliveringInstanceID == c.instanceID {
		return true, nil
	}
	if err := c.delivery.DeliveryIntentRetract(ctx, c.topicID, c.consumerID, tmpl.UniqueTime, c.instanceID, nowMicros()); err != nil {
		return false, broker.Wrap(broker.Unspecified, "retracting delivery intent", err)
	}
	return false, nil
}

// maintainFresh scans forward from the consumer's attempted baseline,
// feeding newly published candidates into the cache.
func (c *Consumer) maintainFresh(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		attempted, found, err := c.delivery.ConsumerGetAttemptedByID(ctx, c.topicID, c.consumerID)
		if err != nil {
			c.logger.Error("reading attempted baseline", "topic", c.topicID, "consumer", c.consumerID, "error", err)
			c.sleep(ctx, 5*time.Second)
			continue
		}
		if !found {
			attempted = uniquetime.FromEncoded(0)
		}
		now := nowMicros()
		lastAttemptedTS, anyNew, err := c.delivery.PopulateDeliveryCacheWithFresh(ctx, c.topicID, c.consumerID, c.cache, attempted)
		if err != nil {
			c.logger.Error("populating fresh delivery cache", "topic", c.topicID, "consumer", c.consumerID, "error", err)
			c.sleep(ctx, time.Second)
			continue
		}
		lastAttemptedTS = min64(lastAttemptedTS, uniquetime.MinEncodedForMicros(saturatingSub(now, FreshnessMicros)))
		lastAttemptedTS = saturatingSub(lastAttemptedTS, uniquetime.MinEncodedForMicros(ClockSkewToleranceMicros))
		if lastAttemptedTS > attempted.AsEncoded() {
			if _, err := c.delivery.ConsumerSetAttemptedByID(ctx, c.topicID, c.consumerID, uniquetime.FromEncoded(lastAttemptedTS)); err != nil {
				c.logger.Warn("updating attempted baseline", "topic", c.topicID, "consumer", c.consumerID, "error", err)
			}
		}
		c.maintainFreshHasRun.Store(true)

		last := c.lastReservationAttemptMicros.Load()
		if last != 0 && last < saturatingSub(now, FreshnessMicros) {
			c.waitForReservationActivity(ctx, last)
		} else if !anyNew {
			c.counts.AwaitChange(ctx, c.topicID, backend.ObjectTypeEvents, 10*time.Second)
		} else {
			runtimeYield()
		}
	}
}

// waitForReservationActivity parks the fresh maintainer while no client
// has polled this consumer recently, matching the original's back-off
// when a consumer has gone quiet.
func (c *Consumer) waitForReservationActivity(ctx context.Context, observedLast uint64) {
	for c.lastReservationAttemptMicros.Load() == observedLast {
		select {
		case <-ctx.Done():
			return
		case <-time.After(128 * time.Millisecond):
		}
	}
}

// maintainRetries scans forward from the done baseline, re-offering
// intents that failed or were never confirmed within the freshness
// window, and periodically reconciles the reserved/done object counters
// to catch drift (the original's "glitch count").
func (c *Consumer) maintainRetries(ctx context.Context) {
	glitchCount := int64(0)
	for round := 0; ; round++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		done, found, err := c.delivery.ConsumerGetDoneByID(ctx, c.topicID, c.consumerID)
		if err != nil {
			c.logger.Error("reading done baseline", "topic", c.topicID, "consumer", c.consumerID, "error", err)
			c.sleep(ctx, 5*time.Second)
			continue
		}
		if !found {
			done = uniquetime.FromEncoded(0)
		}
		lastDoneTS, err := c.delivery.PopulateDeliveryCacheWithRetries(ctx, c.topicID, c.consumerID, c.cache, done, FreshnessMicros, ClockSkewToleranceMicros)
		if err != nil {
			c.logger.Error("populating retry delivery cache", "topic", c.topicID, "consumer", c.consumerID, "error", err)
			c.sleep(ctx, time.Second)
			continue
		}
		lastDoneTS = saturatingSub(lastDoneTS, uniquetime.MinEncodedForMicros(ClockSkewToleranceMicros))
		if lastDoneTS > done.AsEncoded() {
			if _, err := c.delivery.ConsumerSetDoneByID(ctx, c.topicID, c.consumerID, uniquetime.FromEncoded(lastDoneTS)); err != nil {
				c.logger.Warn("updating done baseline", "topic", c.topicID, "consumer", c.consumerID, "error", err)
			}
		}
		c.maintainRetryHasRun.Store(true)

		for i := 0; i < 48; i++ {
			reservedBefore, _ := c.counts.GetTotalObjectCount(ctx, c.topicID, backend.ObjectTypeReservedDeliveryIntents)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(FreshnessMicros) * time.Microsecond):
			}
			doneAfter, _ := c.counts.GetTotalObjectCount(ctx, c.topicID, backend.ObjectTypeDoneDeliveryIntents)
			if reservedBefore > doneAfter+glitchCount {
				glitchCount = reservedBefore - doneAfter
				c.logger.Debug("reconciling delivery counters", "topic", c.topicID, "consumer", c.consumerID, "reserved_before", reservedBefore, "done_after", doneAfter, "glitch_count", glitchCount)
				break
			}
			if i == 47 && reservedBefore < doneAfter+glitchCount {
				glitchCount = 0
			}
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func runtimeYield() {
	time.Sleep(time.Microsecond)
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
