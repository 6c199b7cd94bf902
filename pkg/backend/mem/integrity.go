package mem

import (
	"context"

	"github.com/mydriatech/fragtale/pkg/backend"
)

type integrityFacade Backend

func (f *integrityFacade) b() *Backend { return (*Backend)(f) }

func (f *integrityFacade) InsertProtection(ctx context.Context, row backend.IntegrityRow) error {
	b := f.b()
	b.integrityMu.Lock()
	defer b.integrityMu.Unlock()
	byBucket, ok := b.integrity[row.Level]
	if !ok {
		byBucket = make(map[uint64]map[string]*backend.IntegrityRow)
		b.integrity[row.Level] = byBucket
	}
	byID, ok := byBucket[row.ProtectionTSBucket]
	if !ok {
		byID = make(map[string]*backend.IntegrityRow)
		byBucket[row.ProtectionTSBucket] = byID
	}
	r := row
	byID[row.ProtectionID] = &r
	return nil
}

func (f *integrityFacade) SetProtectionRef(ctx context.Context, level int, bucket uint64, protectionID, protectionRef string) error {
	b := f.b()
	b.integrityMu.Lock()
	defer b.integrityMu.Unlock()
	if byID, ok := b.integrity[level][bucket]; ok {
		if row, ok := byID[protectionID]; ok {
			row.ProtectionRef = protectionRef
		}
	}
	return nil
}

func (f *integrityFacade) ProtectionByIDAndTS(ctx context.Context, level int, bucket uint64, protectionID string) (*backend.IntegrityRow, error) {
	b := f.b()
	b.integrityMu.Lock()
	defer b.integrityMu.Unlock()
	row, ok := b.integrity[level][bucket][protectionID]
	if !ok {
		return nil, nil
	}
	out := *row
	return &out, nil
}

func (f *integrityFacade) IterateByLevelAndBucket(ctx context.Context, level int, bucket uint64) ([]backend.IntegrityRow, error) {
	b := f.b()
	b.integrityMu.Lock()
	defer b.integrityMu.Unlock()
	byID := b.integrity[level][bucket]
	out := make([]backend.IntegrityRow, 0, len(byID))
	for _, row := range byID {
		out = append(out, *row)
	}
	return out, nil
}

func (f *integrityFacade) NextPopulatedBucket(ctx context.Context, level int, afterBucket uint64) (uint64, bool, error) {
	b := f.b()
	b.integrityMu.Lock()
	defer b.integrityMu.Unlock()
	byBucket, ok := b.integrity[level]
	if !ok {
		return 0, false, nil
	}
	found := false
	var best uint64
	for bucket := range byBucket {
		if bucket > afterBucket && (!found || bucket < best) {
			best = bucket
			found = true
		}
	}
	return best, found, nil
}
