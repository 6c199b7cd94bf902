package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mydriatech/fragtale/pkg/backend"
)

type integrityFacade struct {
	pool *pgxpool.Pool
}

func (f *integrityFacade) InsertProtection(ctx context.Context, row backend.IntegrityRow) error {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO integrity_rows (level, protection_ts_bucket, protection_id, protection_ts, protection_data, protection_ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (level, protection_ts_bucket, protection_id) DO NOTHING`,
		row.Level, int64(row.ProtectionTSBucket), row.ProtectionID, int64(row.ProtectionTS), row.ProtectionData, row.ProtectionRef,
	)
	if err != nil {
		return fmt.Errorf("inserting integrity protection: %w", err)
	}
	return nil
}

func (f *integrityFacade) SetProtectionRef(ctx context.Context, level int, bucket uint64, protectionID string, protectionRef string) error {
	_, err := f.pool.Exec(ctx, `
		UPDATE integrity_rows SET protection_ref = $4
		WHERE level = $1 AND protection_ts_bucket = $2 AND protection_id = $3`,
		level, int64(bucket), protectionID, protectionRef,
	)
	if err != nil {
		return fmt.Errorf("setting integrity protection ref: %w", err)
	}
	return nil
}

func (f *integrityFacade) ProtectionByIDAndTS(ctx context.Context, level int, bucket uint64, protectionID string) (*backend.IntegrityRow, error) {
	var row backend.IntegrityRow
	var protectionTS int64
	row.Level = level
	row.ProtectionTSBucket = bucket
	row.ProtectionID = protectionID
	err := f.pool.QueryRow(ctx, `
		SELECT protection_ts, protection_data, protection_ref FROM integrity_rows
		WHERE level = $1 AND protection_ts_bucket = $2 AND protection_id = $3`,
		level, int64(bucket), protectionID,
	).Scan(&protectionTS, &row.ProtectionData, &row.ProtectionRef)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading integrity protection: %w", err)
	}
	row.ProtectionTS = uint64(protectionTS)
	return &row, nil
}

func (f *integrityFacade) IterateByLevelAndBucket(ctx context.Context, level int, bucket uint64) ([]backend.IntegrityRow, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT protection_id, protection_ts, protection_data, protection_ref FROM integrity_rows
		WHERE level = $1 AND protection_ts_bucket = $2`,
		level, int64(bucket),
	)
	if err != nil {
		return nil, fmt.Errorf("iterating integrity protections: %w", err)
	}
	defer rows.Close()
	var out []backend.IntegrityRow
	for rows.Next() {
		row := backend.IntegrityRow{Level: level, ProtectionTSBucket: bucket}
		var protectionTS int64
		if err := rows.Scan(&row.ProtectionID, &protectionTS, &row.ProtectionData, &row.ProtectionRef); err != nil {
			return nil, fmt.Errorf("scanning integrity protection: %w", err)
		}
		row.ProtectionTS = uint64(protectionTS)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (f *integrityFacade) NextPopulatedBucket(ctx context.Context, level int, afterBucket uint64) (uint64, bool, error) {
	var bucket int64
	err := f.pool.QueryRow(ctx, `
		SELECT DISTINCT protection_ts_bucket FROM integrity_rows
		WHERE level = $1 AND protection_ts_bucket > $2
		ORDER BY protection_ts_bucket ASC LIMIT 1`,
		level, int64(afterBucket),
	).Scan(&bucket)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("loading next populated bucket: %w", err)
	}
	return uint64(bucket), true, nil
}
