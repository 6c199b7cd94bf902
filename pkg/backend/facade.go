package backend

import (
	"context"

	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

// Backend aggregates every sub-facade the engine depends on. Implementations
// live in pkg/backend/mem (in-process) and pkg/backend/pg (PostgreSQL).
type Backend interface {
	Topic() TopicFacade
	Event() EventFacade
	Index() IndexFacade
	ConsumerDelivery() ConsumerDeliveryFacade
	Instance() InstanceFacade
	Integrity() IntegrityFacade
	Access() AccessFacade
	ObjectCount() ObjectCountFacade
	Close() error
}

// TopicFacade manages topic metadata and event descriptors.
type TopicFacade interface {
	EnsureTopicSetup(ctx context.Context, topicID string) error
	GetTopicIDs(ctx context.Context, from string) ([]string, error)
	UpsertEventDescriptor(ctx context.Context, d EventDescriptor) (applied bool, err error)
	ListDescriptors(ctx context.Context, topicID string, minVersion uint64) ([]EventDescriptor, error)
	LatestDescriptor(ctx context.Context, topicID string) (*EventDescriptor, error)
	EnsureExtractedColumnAndIndex(ctx context.Context, topicID, name, semanticType string) error
}

// EventFacade persists and retrieves events.
type EventFacade interface {
	EventPersist(ctx context.Context, e Event) error
	EventByID(ctx context.Context, topicID, eventID string) (*Event, error)
	EventByIDAndUniqueTime(ctx context.Context, topicID, eventID string, ut uniquetime.UniqueTime) (*Event, error)
	EventIDsByIndex(ctx context.Context, topicID, indexName, key string) ([]string, error)
	EventDocumentByCorrelationToken(ctx context.Context, topicID, token string) (*Event, error)
}

// NextEventRow is one row produced by the time-shard index scan.
type NextEventRow struct {
	UniqueTime        uniquetime.UniqueTime
	EventID           string
	DescriptorVersion *uint64
	CorrelationToken  string
}

// IndexFacade exposes the time-sharded index used to iterate events in
// publish-time order.
type IndexFacade interface {
	SelectNextEventIDs(ctx context.Context, topicID string, bucket uint64, uniqueTimeLowExclusive uniquetime.UniqueTime, max int) ([]NextEventRow, error)
	SelectNextBucketsInShelf(ctx context.Context, topicID string, shelf uint16, afterBucket uint64, max int) ([]uint64, error)
}

// DeliveryIntentTemplateInsertable receives candidates discovered by the
// fresh/retry cache maintainers. The consumer delivery cache implements
// this so the backend layer never needs to know about cache internals.
type DeliveryIntentTemplateInsertable interface {
	Insert(t DeliveryIntentTemplate)
}

// ConsumerDeliveryFacade backs the per-consumer delivery pipeline (§4.3).
type ConsumerDeliveryFacade interface {
	EnsureConsumerSetup(ctx context.Context, topicID, consumerID string) error
	ConsumerGetAttemptedByID(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, bool, error)
	ConsumerSetAttemptedByID(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) (bool, error)
	ConsumerGetDoneByID(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, bool, error)
	ConsumerSetDoneByID(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) (bool, error)

	// DeliveryIntentReserve inserts or updates the calling instance's intent
	// row for (topic, consumerID, eventID@ut) and reports whether the insert
	// itself succeeded (not whether this instance ultimately wins — that is
	// decided by re-reading and ordering, done by the caller).
	DeliveryIntentReserve(ctx context.Context, topicID, consumerID, eventID string, ut uniquetime.UniqueTime, instanceID uint16, descriptorVersion *uint64, intentTS uint64, freshnessMicros uint64, failedIntentTS *uint64) (bool, error)
	DeliveryIntentsAt(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) ([]DeliveryIntent, error)
	DeliveryIntentRetract(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime, instanceID uint16, writeTimeMicros uint64) error
	DeliveryIntentMarkDone(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) error
	// DeliveryIntentInsertDone writes an audit-only done intent for a
	// delivery that bypassed reservation entirely (by-id and
	// by-correlation-token retrieval, per spec.md §4.3): no contention is
	// raced, the row is inserted already done.
	DeliveryIntentInsertDone(ctx context.Context, topicID, consumerID, eventID string, ut uniquetime.UniqueTime, instanceID uint16, descriptorVersion *uint64, intentTS uint64) error

	PopulateDeliveryCacheWithFresh(ctx context.Context, topicID, consumerID string, sink DeliveryIntentTemplateInsertable, uniqueTimeAttempted uniquetime.UniqueTime) (lastAttemptedTS uint64, anyNewFound bool, err error)
	PopulateDeliveryCacheWithRetries(ctx context.Context, topicID, consumerID string, sink DeliveryIntentTemplateInsertable, uniqueTimeDone uniquetime.UniqueTime, freshnessMicros, clockSkewToleranceMicros uint64) (lastDoneTS uint64, err error)
}

// InstanceFacade manages the cluster-wide instance-id lease.
type InstanceFacade interface {
	Claim(ctx context.Context, ttlSeconds uint32) (instanceID uint16, err error)
	Refresh(ctx context.Context, ttlSeconds uint32, instanceID uint16) (bool, error)
	Free(ctx context.Context, instanceID uint16) error
	GetOldestInstanceID(ctx context.Context) (instanceID uint16, firstClaimMicros uint64, err error)
}

// IntegrityFacade persists protections and the level/time lookup index.
type IntegrityFacade interface {
	InsertProtection(ctx context.Context, row IntegrityRow) error
	SetProtectionRef(ctx context.Context, level int, protectionTSBucket uint64, protectionID string, protectionRef string) error
	ProtectionByIDAndTS(ctx context.Context, level int, protectionTSBucket uint64, protectionID string) (*IntegrityRow, error)
	IterateByLevelAndBucket(ctx context.Context, level int, bucket uint64) ([]IntegrityRow, error)
	NextPopulatedBucket(ctx context.Context, level int, afterBucket uint64) (bucket uint64, found bool, err error)
}

// AccessFacade stores resource grants.
type AccessFacade interface {
	GrantExists(ctx context.Context, resource string) (identity string, found bool, err error)
	Grant(ctx context.Context, resource, identity string, expiresAtMicros uint64) (bool, error)
}

// ObjectCountFacade persists and reads the per-instance counters backing
// the object-count tracker (spec.md §4.8).
type ObjectCountFacade interface {
	// ObjectCountUpsert writes this instance's current count for
	// (topicID, objectType), replacing its prior value.
	ObjectCountUpsert(ctx context.Context, topicID string, objectType ObjectType, instanceID uint16, count int64) error
	// ObjectCountByTopicAndType returns every live instance's row for
	// (topicID, objectType); expired leases are excluded.
	ObjectCountByTopicAndType(ctx context.Context, topicID string, objectType ObjectType) ([]ObjectCountRow, error)
}
