package integrity

import (
	"encoding/json"

	"github.com/mydriatech/fragtale/pkg/broker"
)

// Reference lets a holder of a protected member (e.g. an event row)
// prove the member's membership in a BinaryDigestTree, and points at the
// Protection guarding that tree's root hash. It is what gets stored
// alongside an event as its protection_ref (the Go analogue of the
// original's IntegrityProtectionReference).
type Reference struct {
	Proof              Proof  `json:"proof"`
	ProtectionTSMicros uint64 `json:"protection_ts_micros"`
}

// NewReference builds a Reference for a freshly built or joined tree.
func NewReference(proof Proof, protectionTSMicros uint64) Reference {
	return Reference{Proof: proof, ProtectionTSMicros: protectionTSMicros}
}

// AsString serializes the reference to JSON.
func (r Reference) AsString() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReferenceFromString parses a serialized reference.
func ReferenceFromString(s string) (Reference, error) {
	var r Reference
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Reference{}, broker.Wrap(broker.IntegrityProtectionError, "parsing integrity protection reference", err)
	}
	return r, nil
}

// RootHash recomputes and returns the root hash that member's inclusion
// proof resolves to, plus the reference's protection timestamp.
func (r Reference) RootHash(member []byte) (protectionTSMicros uint64, rootHash []byte) {
	return r.ProtectionTSMicros, RootHashForMember(r.Proof, member)
}
