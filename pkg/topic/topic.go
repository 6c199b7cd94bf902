// Package topic validates topic identifiers and runs the pre-storage
// pipeline: schema validation plus indexed-column extraction against an
// EventDescriptor before a document is persisted.
package topic

import (
	"regexp"

	"github.com/mydriatech/fragtale/pkg/broker"
)

// MaxTopicIDLength bounds topic identifiers to the naming limit a
// conservative backend (Postgres identifiers, Cassandra keyspaces) can
// carry unescaped.
const MaxTopicIDLength = 48

var topicIDPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// ValidateTopicID checks a topic id against `[a-z0-9_]{1,48}`.
func ValidateTopicID(topicID string) error {
	if !topicIDPattern.MatchString(topicID) {
		return broker.New(broker.MalformedIdentifier, "topic id must match [a-z0-9_]{1,48}: "+topicID)
	}
	return nil
}

// ValidateConsumerID checks a consumer id against the same grammar as a
// topic id; consumer ids are embedded in per-consumer tables/partitions.
func ValidateConsumerID(consumerID string) error {
	if !topicIDPattern.MatchString(consumerID) {
		return broker.New(broker.MalformedIdentifier, "consumer id must match [a-z0-9_]{1,48}: "+consumerID)
	}
	return nil
}
