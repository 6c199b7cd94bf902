package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mydriatech/fragtale/pkg/backend"
)

type topicFacade struct {
	pool *pgxpool.Pool
}

func (f *topicFacade) EnsureTopicSetup(ctx context.Context, topicID string) error {
	_, err := f.pool.Exec(ctx, `INSERT INTO topics (topic_id) VALUES ($1) ON CONFLICT DO NOTHING`, topicID)
	if err != nil {
		return fmt.Errorf("ensuring topic %q: %w", topicID, err)
	}
	return nil
}

func (f *topicFacade) GetTopicIDs(ctx context.Context, from string) ([]string, error) {
	rows, err := f.pool.Query(ctx, `SELECT topic_id FROM topics WHERE topic_id > $1 ORDER BY topic_id`, from)
	if err != nil {
		return nil, fmt.Errorf("listing topics: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning topic id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (f *topicFacade) UpsertEventDescriptor(ctx context.Context, d backend.EventDescriptor) (bool, error) {
	extractors, err := json.Marshal(d.Extractors)
	if err != nil {
		return false, fmt.Errorf("marshaling extractors: %w", err)
	}
	tag, err := f.pool.Exec(ctx, `
		INSERT INTO event_descriptors (topic_id, version, version_min, schema_type, schema_id, schema_data, extractors)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (topic_id, version) DO NOTHING`,
		d.Topic, d.Version, d.VersionMin, d.SchemaType, d.SchemaID, d.SchemaData, extractors,
	)
	if err != nil {
		return false, fmt.Errorf("upserting event descriptor: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (f *topicFacade) ListDescriptors(ctx context.Context, topicID string, minVersion uint64) ([]backend.EventDescriptor, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT version, version_min, schema_type, schema_id, schema_data, extractors
		FROM event_descriptors WHERE topic_id = $1 AND version >= $2 ORDER BY version`,
		topicID, minVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("listing event descriptors: %w", err)
	}
	defer rows.Close()
	var out []backend.EventDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows, topicID)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (f *topicFacade) LatestDescriptor(ctx context.Context, topicID string) (*backend.EventDescriptor, error) {
	row := f.pool.QueryRow(ctx, `
		SELECT version, version_min, schema_type, schema_id, schema_data, extractors
		FROM event_descriptors WHERE topic_id = $1 ORDER BY version DESC LIMIT 1`,
		topicID,
	)
	d, err := scanDescriptor(row, topicID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading latest event descriptor: %w", err)
	}
	return &d, nil
}

func scanDescriptor(row pgx.Row, topicID string) (backend.EventDescriptor, error) {
	var d backend.EventDescriptor
	var extractors []byte
	d.Topic = topicID
	if err := row.Scan(&d.Version, &d.VersionMin, &d.SchemaType, &d.SchemaID, &d.SchemaData, &extractors); err != nil {
		return d, err
	}
	if len(extractors) > 0 {
		if err := json.Unmarshal(extractors, &d.Extractors); err != nil {
			return d, fmt.Errorf("unmarshaling extractors: %w", err)
		}
	}
	return d, nil
}

func (f *topicFacade) EnsureExtractedColumnAndIndex(ctx context.Context, topicID, name, semanticType string) error {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO extracted_columns (topic_id, name, semantic_type) VALUES ($1, $2, $3)
		ON CONFLICT (topic_id, name) DO UPDATE SET semantic_type = EXCLUDED.semantic_type`,
		topicID, name, semanticType,
	)
	if err != nil {
		return fmt.Errorf("ensuring extracted column %q: %w", name, err)
	}
	return nil
}
