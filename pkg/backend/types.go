// Package backend defines the storage-facade contract that the broker
// engine depends on. Two implementations satisfy it: mem (in-process, for
// tests and single-node development) and pg (PostgreSQL-backed, for
// clustered deployments).
package backend

import "github.com/mydriatech/fragtale/pkg/uniquetime"

// ExtractedValue is a typed value produced by the pre-storage processor's
// extractors and stored alongside an Event.
type ExtractedValue struct {
	Text  string
	BigInt int64
	IsBigInt bool
}

// EventDescriptor describes the shape and schema of events published to a
// topic at a given version.
type EventDescriptor struct {
	Topic       string
	Version     uint64
	VersionMin  *uint64
	SchemaType  string // "https://json-schema.org/draft/2020-12/schema"; empty if no schema
	SchemaID    string
	SchemaData  string
	Extractors  []Extractor
}

// Extractor pulls a named, typed value out of a document at publish time.
type Extractor struct {
	ExtractionType string // "json-pointer"
	ExtractionPath string
	ResultName     string
	ResultType     string // "text" or "bigint"
}

// Event is a single persisted document under a topic.
type Event struct {
	Topic              string
	EventID            string
	UniqueTime         uniquetime.UniqueTime
	Document           string
	Priority           uint8
	DescriptorVersion  *uint64
	CorrelationToken   string
	ProtectionRef      string
	ExtractedColumns   map[string]ExtractedValue
}

// DeliveryIntent is a per-consumer row tracking an in-flight or completed
// delivery of a specific event.
type DeliveryIntent struct {
	Topic               string
	ConsumerID          string
	UniqueTime          uniquetime.UniqueTime
	DeliveringInstanceID uint16
	IntentTS            uint64
	EventID             string
	Retracted           bool
	Done                bool
	DescriptorVersion   *uint64
	RetractedWriteTime  uint64
}

// EventDeliveryGist is what reserve_delivery_intent hands back on a win.
type EventDeliveryGist struct {
	UniqueTime       uniquetime.UniqueTime
	Document         string
	CorrelationToken string
	EventID          string
	ProtectionRef    string
	InstanceID       uint16
}

// DeliveryIntentTemplate is a candidate produced by the fresh/retry cache
// producers, not yet reserved.
type DeliveryIntentTemplate struct {
	UniqueTime        uniquetime.UniqueTime
	EventID           string
	DescriptorVersion *uint64
	FailedIntentTS    *uint64
}

// Consumer tracks delivery progress for one (topic, consumer_id) pair.
type Consumer struct {
	Topic                  string
	ConsumerID             string
	LastUpdateTS           uint64
	LatestDescriptorVersion *uint64
	UniqueTimeAttempted    uniquetime.UniqueTime
	UniqueTimeDone         uniquetime.UniqueTime
}

// IntegrityProtection is a MAC'd root hash of a BinaryDigestTree.
type IntegrityProtection struct {
	ProtectedHash string
	CurrentOID    string
	CurrentMAC    string
	PreviousOID   string
	PreviousMAC   string
}

// IntegrityRow is a persisted IntegrityProtection plus its placement.
type IntegrityRow struct {
	Level           int
	ProtectionTSBucket uint64
	ProtectionID    string // hex(root)
	ProtectionTS    uint64
	ProtectionData  string // serialized IntegrityProtection
	ProtectionRef   string // non-empty once consolidated into a higher level
}

// IntegrityProtectionReference proves a member hash belongs to a tree
// rooted at some IntegrityProtection.
type IntegrityProtectionReference struct {
	DigestOID          string
	InclusionProof     string // serialized proof path
	ProtectionTS       uint64
}

// ObjectType enumerates the counters the object-count tracker maintains.
type ObjectType string

const (
	ObjectTypeEvents                 ObjectType = "events"
	ObjectTypeReservedDeliveryIntents ObjectType = "reserved_delivery_intents"
	ObjectTypeDoneDeliveryIntents     ObjectType = "done_delivery_intents"
)

// ResourceGrant records that identity is authorized for operation on a
// resource (currently always a topic).
type ResourceGrant struct {
	Resource string // "/topic/<id>/<operation>"
	Identity string
	ExpiresAtMicros uint64 // 0 = never
}

// ObjectCountRow is one instance's contribution to a topic/object-type
// counter. BucketTS is the time of its latest upsert; rows older than the
// ~600s lease are ignored (see spec.md §4.8).
type ObjectCountRow struct {
	Topic      string
	ObjectType ObjectType
	InstanceID uint16
	Count      int64
	BucketTS   uint64
}
