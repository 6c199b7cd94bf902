package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type eventFacade struct {
	pool *pgxpool.Pool
}

func extractedValueKey(v backend.ExtractedValue) string {
	if v.IsBigInt {
		return fmt.Sprintf("%d", v.BigInt)
	}
	return v.Text
}

func (f *eventFacade) EventPersist(ctx context.Context, e backend.Event) error {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning event persist tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ut := e.UniqueTime.AsEncodedInt64()
	if _, err := tx.Exec(ctx, `
		INSERT INTO events (topic_id, unique_time, event_id, document, priority, descriptor_version, correlation_token, protection_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Topic, ut, e.EventID, e.Document, e.Priority, e.DescriptorVersion, e.CorrelationToken, e.ProtectionRef,
	); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	for column, value := range e.ExtractedColumns {
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_extracted_values (topic_id, column_name, key_text, unique_time, event_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			e.Topic, column, extractedValueKey(value), ut, e.EventID,
		); err != nil {
			return fmt.Errorf("indexing extracted column %q: %w", column, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO event_buckets (topic_id, shelf, bucket) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		e.Topic, e.UniqueTime.Shelf(), e.UniqueTime.Bucket(),
	); err != nil {
		return fmt.Errorf("recording event bucket: %w", err)
	}

	return tx.Commit(ctx)
}

const eventColumns = `topic_id, unique_time, event_id, document, priority, descriptor_version, correlation_token, protection_ref`

func scanEvent(row pgx.Row) (*backend.Event, error) {
	var e backend.Event
	var ut int64
	if err := row.Scan(&e.Topic, &ut, &e.EventID, &e.Document, &e.Priority, &e.DescriptorVersion, &e.CorrelationToken, &e.ProtectionRef); err != nil {
		return nil, err
	}
	e.UniqueTime = uniquetime.FromEncoded(uint64(ut))
	return &e, nil
}

func (f *eventFacade) EventByID(ctx context.Context, topicID, eventID string) (*backend.Event, error) {
	row := f.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM events WHERE topic_id = $1 AND event_id = $2 ORDER BY unique_time DESC LIMIT 1`,
		topicID, eventID,
	)
	ev, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading event by id: %w", err)
	}
	return ev, nil
}

func (f *eventFacade) EventByIDAndUniqueTime(ctx context.Context, topicID, eventID string, ut uniquetime.UniqueTime) (*backend.Event, error) {
	row := f.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM events WHERE topic_id = $1 AND unique_time = $2 AND event_id = $3`,
		topicID, ut.AsEncodedInt64(), eventID,
	)
	ev, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading event by id and unique time: %w", err)
	}
	return ev, nil
}

func (f *eventFacade) EventIDsByIndex(ctx context.Context, topicID, indexName, key string) ([]string, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT event_id FROM event_extracted_values
		WHERE topic_id = $1 AND column_name = $2 AND key_text = $3
		ORDER BY unique_time DESC`,
		topicID, indexName, key,
	)
	if err != nil {
		return nil, fmt.Errorf("listing event ids by index: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (f *eventFacade) EventDocumentByCorrelationToken(ctx context.Context, topicID, token string) (*backend.Event, error) {
	row := f.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM events WHERE topic_id = $1 AND correlation_token = $2 LIMIT 1`,
		topicID, token,
	)
	ev, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading event by correlation token: %w", err)
	}
	return ev, nil
}
