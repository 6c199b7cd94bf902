package integrity

import (
	"context"
	"encoding/hex"

	"github.com/mydriatech/fragtale/pkg/backend"
)

// Validator checks that a delivered event's protection_ref still proves
// membership in a tree whose root hash is validly MAC'd (spec.md §4.5.2).
// Successfully validated root hashes are cached so repeat deliveries
// sharing a root skip the backend round trip.
type Validator struct {
	facade           backend.IntegrityFacade
	secrets          *Secrets
	instanceStartTS  uint64
	oldestFirstClaim OldestFirstClaimFunc
	cache            *SieveCache
	allowed          map[DigestAlgorithm]bool
}

// NewValidator builds a Validator. instanceStartTS is this instance's
// boot time in micros, used to bound when a "previous secret validated
// with the current oid" fallback is legitimate.
func NewValidator(facade backend.IntegrityFacade, secrets *Secrets, instanceStartTS uint64, oldestFirstClaim OldestFirstClaimFunc, allowed ...DigestAlgorithm) *Validator {
	allowedSet := make(map[DigestAlgorithm]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	return &Validator{
		facade:           facade,
		secrets:          secrets,
		instanceStartTS:  instanceStartTS,
		oldestFirstClaim: oldestFirstClaim,
		cache:            NewSieveCache(100),
		allowed:          allowedSet,
	}
}

// ValidateProtectionRefOfEvent verifies that document (as hashed at
// uniqueTimeBytes) is covered by a validly protected tree referenced by
// referenceJSON.
func (v *Validator) ValidateProtectionRefOfEvent(ctx context.Context, topicID string, document string, referenceJSON string, uniqueTimeBytes []byte) bool {
	ref, err := ReferenceFromString(referenceJSON)
	if err != nil {
		return false
	}
	alg := ref.Proof.DigestAlgorithm
	if alg == "" {
		alg = DigestSHA256
	}
	if !v.allowed[alg] {
		return false
	}
	member := HashOverProtected(alg, document, uniqueTimeBytes)
	return v.validateMember(ctx, topicID, ref, member)
}

// validateMember walks the chain of references: each reference resolves
// to a root hash, which is looked up as a protection row. If that row
// itself has a protection_ref (it was consolidated into a higher level),
// the root hash becomes the next member and the loop continues;
// otherwise the row's own MAC is checked directly.
func (v *Validator) validateMember(ctx context.Context, topicID string, ref Reference, member []byte) bool {
	for {
		protectionTSMicros, rootHash := ref.RootHash(member)
		if rootHash == nil {
			return false
		}
		rootHashHex := hex.EncodeToString(rootHash)
		if v.cache.Contains(rootHashHex) {
			return true
		}
		row, err := v.facade.ProtectionByIDAndTS(ctx, 0, protectionBucket(protectionTSMicros), rootHashHex)
		if err != nil || row == nil {
			row, err = v.facade.ProtectionByIDAndTS(ctx, 1, protectionBucket(protectionTSMicros), rootHashHex)
		}
		if err != nil || row == nil {
			return false
		}
		if row.ProtectionRef != "" {
			nextRef, err := ReferenceFromString(row.ProtectionRef)
			if err != nil {
				return false
			}
			ref = nextRef
			member = rootHash
			continue
		}
		protection, err := ProtectionFromString(row.ProtectionData)
		if err != nil {
			return false
		}
		if v.IsValidIntegrityProtection(ctx, protectionTSMicros, rootHash, protection) {
			v.cache.Insert(rootHashHex)
			return true
		}
		return false
	}
}

// IsValidIntegrityProtection checks rootHash against protection using
// whichever generation(s) of secret are legitimate for protectionTSMicros:
//   - the current generation, if the protection is no older than it;
//   - the current oid validated against the previous slot, for protections
//     written at or after this instance's start (i.e. by an instance that
//     had already rotated when this one hadn't);
//   - the previous generation, if the protection predates every
//     currently-alive instance's first claim (nothing will roll it
//     forward again, so it is intentionally never re-protected).
func (v *Validator) IsValidIntegrityProtection(ctx context.Context, protectionTSMicros uint64, rootHash []byte, protection *Protection) bool {
	if hex.EncodeToString(rootHash) != protection.ProtectedHashHex() {
		return false
	}
	currentOID, currentSecret, currentTSMicros := v.secrets.Current()
	previousOID, previousSecret := v.secrets.Previous()

	if protectionTSMicros >= currentTSMicros {
		if protection.ValidateCurrent(currentOID, currentSecret) == nil {
			return true
		}
	}
	if protectionTSMicros >= v.instanceStartTS {
		if protection.ValidatePrevious(currentOID, currentSecret) == nil {
			return true
		}
	}
	if oldest, err := v.oldestFirstClaim(ctx); err == nil && protectionTSMicros <= oldest {
		if protection.ValidatePrevious(previousOID, previousSecret) == nil {
			return true
		}
	}
	return false
}
