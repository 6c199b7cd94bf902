package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type consumerDeliveryFacade struct {
	pool *pgxpool.Pool
}

func (f *consumerDeliveryFacade) EnsureConsumerSetup(ctx context.Context, topicID, consumerID string) error {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO consumers (topic_id, consumer_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		topicID, consumerID,
	)
	if err != nil {
		return fmt.Errorf("ensuring consumer setup: %w", err)
	}
	return nil
}

func (f *consumerDeliveryFacade) ConsumerGetAttemptedByID(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, bool, error) {
	var ut int64
	var has bool
	err := f.pool.QueryRow(ctx, `SELECT attempted_ut, has_attempted FROM consumers WHERE topic_id = $1 AND consumer_id = $2`, topicID, consumerID).Scan(&ut, &has)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("loading consumer attempted: %w", err)
	}
	return uniquetime.FromEncoded(uint64(ut)), has, nil
}

func (f *consumerDeliveryFacade) ConsumerSetAttemptedByID(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) (bool, error) {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO consumers (topic_id, consumer_id, attempted_ut, has_attempted) VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (topic_id, consumer_id) DO UPDATE SET attempted_ut = EXCLUDED.attempted_ut, has_attempted = TRUE`,
		topicID, consumerID, ut.AsEncodedInt64(),
	)
	if err != nil {
		return false, fmt.Errorf("setting consumer attempted: %w", err)
	}
	return true, nil
}

func (f *consumerDeliveryFacade) ConsumerGetDoneByID(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, bool, error) {
	var ut int64
	var has bool
	err := f.pool.QueryRow(ctx, `SELECT done_ut, has_done FROM consumers WHERE topic_id = $1 AND consumer_id = $2`, topicID, consumerID).Scan(&ut, &has)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("loading consumer done: %w", err)
	}
	return uniquetime.FromEncoded(uint64(ut)), has, nil
}

func (f *consumerDeliveryFacade) ConsumerSetDoneByID(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) (bool, error) {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO consumers (topic_id, consumer_id, done_ut, has_done) VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (topic_id, consumer_id) DO UPDATE SET done_ut = EXCLUDED.done_ut, has_done = TRUE`,
		topicID, consumerID, ut.AsEncodedInt64(),
	)
	if err != nil {
		return false, fmt.Errorf("setting consumer done: %w", err)
	}
	return true, nil
}

// DeliveryIntentReserve inserts or refreshes the calling instance's intent
// row. Like the mem backend, this always reports the write as applied; the
// delivery.Consumer layer decides who actually wins by re-reading and
// ordering every instance's intent for the same unique_time.
func (f *consumerDeliveryFacade) DeliveryIntentReserve(ctx context.Context, topicID, consumerID, eventID string, ut uniquetime.UniqueTime, instanceID uint16, descriptorVersion *uint64, intentTS uint64, freshnessMicros uint64, failedIntentTS *uint64) (bool, error) {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO delivery_intents (topic_id, consumer_id, unique_time, instance_id, intent_ts, event_id, descriptor_version, retracted, done)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, FALSE)
		ON CONFLICT (topic_id, consumer_id, unique_time, instance_id)
		DO UPDATE SET event_id = EXCLUDED.event_id, descriptor_version = EXCLUDED.descriptor_version, intent_ts = EXCLUDED.intent_ts, retracted = FALSE`,
		topicID, consumerID, ut.AsEncodedInt64(), int32(instanceID), int64(intentTS), eventID, descriptorVersion,
	)
	if err != nil {
		return false, fmt.Errorf("reserving delivery intent: %w", err)
	}
	return true, nil
}

func (f *consumerDeliveryFacade) DeliveryIntentsAt(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) ([]backend.DeliveryIntent, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT instance_id, intent_ts, event_id, descriptor_version, retracted, done, retracted_write_time
		FROM delivery_intents WHERE topic_id = $1 AND consumer_id = $2 AND unique_time = $3`,
		topicID, consumerID, ut.AsEncodedInt64(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing delivery intents: %w", err)
	}
	defer rows.Close()
	var out []backend.DeliveryIntent
	for rows.Next() {
		var di backend.DeliveryIntent
		var instanceID int32
		var intentTS int64
		var retractedWriteTime int64
		if err := rows.Scan(&instanceID, &intentTS, &di.EventID, &di.DescriptorVersion, &di.Retracted, &di.Done, &retractedWriteTime); err != nil {
			return nil, fmt.Errorf("scanning delivery intent: %w", err)
		}
		di.Topic = topicID
		di.ConsumerID = consumerID
		di.UniqueTime = ut
		di.DeliveringInstanceID = uint16(instanceID)
		di.IntentTS = uint64(intentTS)
		di.RetractedWriteTime = uint64(retractedWriteTime)
		out = append(out, di)
	}
	return out, rows.Err()
}

func (f *consumerDeliveryFacade) DeliveryIntentRetract(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime, instanceID uint16, writeTimeMicros uint64) error {
	_, err := f.pool.Exec(ctx, `
		UPDATE delivery_intents SET retracted = TRUE, retracted_write_time = $5
		WHERE topic_id = $1 AND consumer_id = $2 AND unique_time = $3 AND instance_id = $4`,
		topicID, consumerID, ut.AsEncodedInt64(), int32(instanceID), int64(writeTimeMicros),
	)
	if err != nil {
		return fmt.Errorf("retracting delivery intent: %w", err)
	}
	return nil
}

func (f *consumerDeliveryFacade) DeliveryIntentMarkDone(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) error {
	_, err := f.pool.Exec(ctx, `
		UPDATE delivery_intents SET done = TRUE
		WHERE topic_id = $1 AND consumer_id = $2 AND unique_time = $3`,
		topicID, consumerID, ut.AsEncodedInt64(),
	)
	if err != nil {
		return fmt.Errorf("marking delivery intent done: %w", err)
	}
	return nil
}

func (f *consumerDeliveryFacade) DeliveryIntentInsertDone(ctx context.Context, topicID, consumerID, eventID string, ut uniquetime.UniqueTime, instanceID uint16, descriptorVersion *uint64, intentTS uint64) error {
	_, err := f.pool.Exec(ctx, `
		INSERT INTO delivery_intents (topic_id, consumer_id, unique_time, instance_id, intent_ts, event_id, descriptor_version, retracted, done)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, TRUE)
		ON CONFLICT (topic_id, consumer_id, unique_time, instance_id)
		DO UPDATE SET event_id = EXCLUDED.event_id, descriptor_version = EXCLUDED.descriptor_version, intent_ts = EXCLUDED.intent_ts, done = TRUE`,
		topicID, consumerID, ut.AsEncodedInt64(), int32(instanceID), int64(intentTS), eventID, descriptorVersion,
	)
	if err != nil {
		return fmt.Errorf("inserting audit-only done delivery intent: %w", err)
	}
	return nil
}

func (f *consumerDeliveryFacade) PopulateDeliveryCacheWithFresh(ctx context.Context, topicID, consumerID string, sink backend.DeliveryIntentTemplateInsertable, attempted uniquetime.UniqueTime) (uint64, bool, error) {
	rows, err := f.pool.Query(ctx, `
		SELECT e.unique_time, e.event_id, e.descriptor_version
		FROM events e
		WHERE e.topic_id = $1 AND e.unique_time > $2
		  AND NOT EXISTS (
		    SELECT 1 FROM delivery_intents di
		    WHERE di.topic_id = e.topic_id AND di.consumer_id = $3 AND di.unique_time = e.unique_time AND di.done = TRUE
		  )
		ORDER BY e.unique_time`,
		topicID, attempted.AsEncodedInt64(), consumerID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("populating fresh delivery cache: %w", err)
	}
	defer rows.Close()

	lastAttemptedTS := attempted.AsEncoded()
	anyNewFound := false
	for rows.Next() {
		var ut int64
		var eventID string
		var descriptorVersion *uint64
		if err := rows.Scan(&ut, &eventID, &descriptorVersion); err != nil {
			return 0, false, fmt.Errorf("scanning fresh candidate: %w", err)
		}
		sink.Insert(backend.DeliveryIntentTemplate{
			UniqueTime:        uniquetime.FromEncoded(uint64(ut)),
			EventID:           eventID,
			DescriptorVersion: descriptorVersion,
		})
		lastAttemptedTS = uint64(ut)
		anyNewFound = true
	}
	return lastAttemptedTS, anyNewFound, rows.Err()
}

func (f *consumerDeliveryFacade) PopulateDeliveryCacheWithRetries(ctx context.Context, topicID, consumerID string, sink backend.DeliveryIntentTemplateInsertable, done uniquetime.UniqueTime, freshnessMicros, clockSkewToleranceMicros uint64) (uint64, error) {
	timeoutTS := uint64(time.Now().UnixMicro()) - freshnessMicros

	rows, err := f.pool.Query(ctx, `
		SELECT e.unique_time, e.event_id, e.descriptor_version,
		  EXISTS(SELECT 1 FROM delivery_intents di WHERE di.topic_id = e.topic_id AND di.consumer_id = $2 AND di.unique_time = e.unique_time AND di.done = TRUE) AS has_done,
		  (SELECT MIN(di.intent_ts) FROM delivery_intents di WHERE di.topic_id = e.topic_id AND di.consumer_id = $2 AND di.unique_time = e.unique_time AND di.done = FALSE) AS failed_intent_ts,
		  EXISTS(SELECT 1 FROM delivery_intents di WHERE di.topic_id = e.topic_id AND di.consumer_id = $2 AND di.unique_time = e.unique_time AND (di.done = TRUE OR di.intent_ts > $3)) AS has_done_or_fresh
		FROM events e
		WHERE e.topic_id = $1 AND e.unique_time > $4 AND e.unique_time < $5
		ORDER BY e.unique_time`,
		topicID, consumerID, int64(timeoutTS), done.AsEncodedInt64(), int64(timeoutTS),
	)
	if err != nil {
		return 0, fmt.Errorf("populating retry delivery cache: %w", err)
	}
	defer rows.Close()

	allDone := true
	confirmedDoneTS := done.AsEncoded()
	for rows.Next() {
		var ut int64
		var eventID string
		var descriptorVersion *uint64
		var hasDone bool
		var failedIntentTS *int64
		var hasDoneOrFresh bool
		if err := rows.Scan(&ut, &eventID, &descriptorVersion, &hasDone, &failedIntentTS, &hasDoneOrFresh); err != nil {
			return 0, fmt.Errorf("scanning retry candidate: %w", err)
		}
		if !hasDoneOrFresh {
			var failed *uint64
			if failedIntentTS != nil {
				v := uint64(*failedIntentTS)
				failed = &v
			}
			sink.Insert(backend.DeliveryIntentTemplate{
				UniqueTime:        uniquetime.FromEncoded(uint64(ut)),
				EventID:           eventID,
				DescriptorVersion: descriptorVersion,
				FailedIntentTS:    failed,
			})
			allDone = false
		} else if allDone && hasDone {
			confirmedDoneTS = uint64(ut)
		} else if allDone {
			allDone = false
		}
	}
	return confirmedDoneTS, rows.Err()
}
