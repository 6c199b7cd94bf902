package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type instanceFacade struct {
	pool *pgxpool.Pool
}

func instanceNowMicros() uint64 { return uint64(time.Now().UnixMicro()) }

// Claim scans for the first free instance id and reserves it with the
// given TTL, mirroring spec.md §4.1's "conditional-insert with TTL"
// contract. Candidate ids are tried one at a time, each with a single
// conditional upsert, so a concurrent claimant racing for the same id
// loses cleanly.
func (f *instanceFacade) Claim(ctx context.Context, ttlSeconds uint32) (uint16, error) {
	now := instanceNowMicros()
	expires := now + uint64(ttlSeconds)*1_000_000

	for id := uint16(0); id <= uniquetime.MaxInstanceID; id++ {
		tag, err := f.pool.Exec(ctx, `
			INSERT INTO instances (instance_id, first_claim_micros, expires_micros) VALUES ($1, $2, $3)
			ON CONFLICT (instance_id) DO UPDATE SET first_claim_micros = EXCLUDED.first_claim_micros, expires_micros = EXCLUDED.expires_micros
			WHERE instances.expires_micros <= $4`,
			int32(id), int64(now), int64(expires), int64(now),
		)
		if err != nil {
			return 0, fmt.Errorf("claiming instance id %d: %w", id, err)
		}
		if tag.RowsAffected() > 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free instance id available out of %d slots", uniquetime.MaxInstanceID+1)
}

func (f *instanceFacade) Refresh(ctx context.Context, ttlSeconds uint32, instanceID uint16) (bool, error) {
	tag, err := f.pool.Exec(ctx, `
		UPDATE instances SET expires_micros = $2 WHERE instance_id = $1`,
		int32(instanceID), int64(instanceNowMicros()+uint64(ttlSeconds)*1_000_000),
	)
	if err != nil {
		return false, fmt.Errorf("refreshing instance claim: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (f *instanceFacade) Free(ctx context.Context, instanceID uint16) error {
	_, err := f.pool.Exec(ctx, `DELETE FROM instances WHERE instance_id = $1`, int32(instanceID))
	if err != nil {
		return fmt.Errorf("freeing instance claim: %w", err)
	}
	return nil
}

func (f *instanceFacade) GetOldestInstanceID(ctx context.Context) (uint16, uint64, error) {
	var instanceID int32
	var firstClaim int64
	err := f.pool.QueryRow(ctx, `
		SELECT instance_id, first_claim_micros FROM instances
		WHERE expires_micros > $1
		ORDER BY first_claim_micros ASC LIMIT 1`,
		int64(instanceNowMicros()),
	).Scan(&instanceID, &firstClaim)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("loading oldest instance id: %w", err)
	}
	return uint16(instanceID), uint64(firstClaim), nil
}
