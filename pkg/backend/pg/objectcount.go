package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mydriatech/fragtale/pkg/backend"
)

// objectCountLeaseSeconds mirrors spec.md §4.8's lease: a row older than
// this is treated as belonging to a dead instance and excluded from the
// sum, matching pkg/backend/mem's objectcount.go.
const objectCountLeaseSeconds = 600

type objectCountFacade struct {
	pool *pgxpool.Pool
}

func (f *objectCountFacade) ObjectCountUpsert(ctx context.Context, topicID string, objectType backend.ObjectType, instanceID uint16, count int64) error {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO object_counts (topic_id, object_type, instance_id, count, bucket_ts) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic_id, object_type, instance_id) DO UPDATE SET count = EXCLUDED.count, bucket_ts = EXCLUDED.bucket_ts`,
		topicID, string(objectType), int32(instanceID), count, int64(time.Now().UnixMicro()),
	)
	if err != nil {
		return fmt.Errorf("upserting object count: %w", err)
	}
	return nil
}

func (f *objectCountFacade) ObjectCountByTopicAndType(ctx context.Context, topicID string, objectType backend.ObjectType) ([]backend.ObjectCountRow, error) {
	cutoff := time.Now().UnixMicro() - objectCountLeaseSeconds*int64(time.Second/time.Microsecond)
	rows, err := f.pool.Query(ctx, `
		SELECT instance_id, count, bucket_ts FROM object_counts
		WHERE topic_id = $1 AND object_type = $2 AND bucket_ts >= $3`,
		topicID, string(objectType), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing object counts: %w", err)
	}
	defer rows.Close()
	var out []backend.ObjectCountRow
	for rows.Next() {
		var instanceID int32
		var bucketTS int64
		row := backend.ObjectCountRow{Topic: topicID, ObjectType: objectType}
		if err := rows.Scan(&instanceID, &row.Count, &bucketTS); err != nil {
			return nil, fmt.Errorf("scanning object count: %w", err)
		}
		row.InstanceID = uint16(instanceID)
		row.BucketTS = uint64(bucketTS)
		out = append(out, row)
	}
	return out, rows.Err()
}
