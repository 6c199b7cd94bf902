package mem

import (
	"context"
	"fmt"

	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type instanceFacade Backend

func (f *instanceFacade) b() *Backend { return (*Backend)(f) }

// Claim scans for the first free instance id and reserves it with the
// given TTL. Mirrors the backend contract in spec.md §4.1: "tries the
// first free id via conditional-insert with TTL".
func (f *instanceFacade) Claim(ctx context.Context, ttlSeconds uint32) (uint16, error) {
	b := f.b()
	b.instanceMu.Lock()
	defer b.instanceMu.Unlock()

	now := nowMicros()
	for id := uint16(0); id <= uniquetime.MaxInstanceID; id++ {
		claim, exists := b.instances[id]
		if exists && claim.expiresMicros > now {
			continue
		}
		b.instances[id] = instanceClaim{
			firstClaimMicros: now,
			expiresMicros:    now + uint64(ttlSeconds)*1_000_000,
		}
		return id, nil
	}
	return 0, fmt.Errorf("no free instance id available out of %d slots", uniquetime.MaxInstanceID+1)
}

func (f *instanceFacade) Refresh(ctx context.Context, ttlSeconds uint32, instanceID uint16) (bool, error) {
	b := f.b()
	b.instanceMu.Lock()
	defer b.instanceMu.Unlock()

	claim, ok := b.instances[instanceID]
	if !ok {
		return false, nil
	}
	claim.expiresMicros = nowMicros() + uint64(ttlSeconds)*1_000_000
	b.instances[instanceID] = claim
	return true, nil
}

func (f *instanceFacade) Free(ctx context.Context, instanceID uint16) error {
	b := f.b()
	b.instanceMu.Lock()
	defer b.instanceMu.Unlock()
	delete(b.instances, instanceID)
	return nil
}

func (f *instanceFacade) GetOldestInstanceID(ctx context.Context) (uint16, uint64, error) {
	b := f.b()
	b.instanceMu.Lock()
	defer b.instanceMu.Unlock()

	now := nowMicros()
	var (
		oldestID     uint16
		oldestClaim  = uint64(1) << 62
		found        bool
	)
	for id, claim := range b.instances {
		if claim.expiresMicros <= now {
			continue
		}
		if !found || claim.firstClaimMicros < oldestClaim {
			oldestID = id
			oldestClaim = claim.firstClaimMicros
			found = true
		}
	}
	if !found {
		return 0, 0, nil
	}
	return oldestID, oldestClaim, nil
}
