package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type indexFacade struct {
	pool *pgxpool.Pool
}

func (f *indexFacade) SelectNextEventIDs(ctx context.Context, topicID string, bucket uint64, low uniquetime.UniqueTime, max int) ([]backend.NextEventRow, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT unique_time, event_id, descriptor_version, correlation_token
		FROM events
		WHERE topic_id = $1 AND unique_time > $2 AND unique_time <= $3
		ORDER BY unique_time
		LIMIT $4`,
		topicID, low.AsEncodedInt64(), int64(uniquetime.MaxEncodedInBucket(bucket)), max,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting next event ids: %w", err)
	}
	defer rows.Close()
	var out []backend.NextEventRow
	for rows.Next() {
		var ut int64
		var row backend.NextEventRow
		if err := rows.Scan(&ut, &row.EventID, &row.DescriptorVersion, &row.CorrelationToken); err != nil {
			return nil, fmt.Errorf("scanning next event row: %w", err)
		}
		row.UniqueTime = uniquetime.FromEncoded(uint64(ut))
		out = append(out, row)
	}
	return out, rows.Err()
}

func (f *indexFacade) SelectNextBucketsInShelf(ctx context.Context, topicID string, shelf uint16, afterBucket uint64, max int) ([]uint64, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT bucket FROM event_buckets
		WHERE topic_id = $1 AND shelf = $2 AND bucket > $3
		ORDER BY bucket
		LIMIT $4`,
		topicID, int32(shelf), int64(afterBucket), max,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting next buckets: %w", err)
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var bucket int64
		if err := rows.Scan(&bucket); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		out = append(out, uint64(bucket))
	}
	return out, rows.Err()
}
