// Package event computes event identity and validates publish-time
// constraints shared by the HTTP and WebSocket transports.
package event

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/mydriatech/fragtale/pkg/broker"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

// MaxDocumentBytes bounds a published document to 5 MiB (spec.md §3).
const MaxDocumentBytes = 5 * 1024 * 1024

// ContentFingerprint returns the event_id for a document: a collision
// resistant digest over its bytes combined with the UniqueTime that makes
// two identical documents published at different times distinct logical
// events, matching §4.2(2)'s identity rule.
func ContentFingerprint(document string, ut uniquetime.UniqueTime) string {
	h := sha256.New()
	h.Write([]byte(document))
	utBytes := ut.AsBytes()
	h.Write(utBytes[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateDocument enforces the size limit on a raw publish body.
func ValidateDocument(document []byte) error {
	if len(document) > MaxDocumentBytes {
		return broker.New(broker.MalformedIdentifier, "document exceeds 5 MiB limit")
	}
	return nil
}

// ValidatePriority enforces the 0..=100 publish-priority range.
func ValidatePriority(priority int) error {
	if priority < 0 || priority > 100 {
		return broker.New(broker.MalformedIdentifier, "priority must be in 0..=100")
	}
	return nil
}
