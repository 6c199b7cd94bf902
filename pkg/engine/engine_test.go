package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/pkg/access"
	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/backend/mem"
	"github.com/mydriatech/fragtale/pkg/broker"
)

func descriptorWithRequiredField() backend.EventDescriptor {
	return backend.EventDescriptor{
		SchemaType: "https://json-schema.org/draft/2020-12/schema",
		SchemaData: `{"type":"object","required":["k"]}`,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{
		IntegrityCurrentSecret: "test-integrity-secret",
		IntegrityCurrentOID:    "sha256",
		CorrelationSecret:      "test-correlation-secret",
		NTPHost:                "", // disabled: local clock is always trusted
	}
	eng, err := New(ctx, cfg, mem.New(), nil, "test", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng, ctx
}

func TestPublishThenNextThenConfirmRoundTrip(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}
	const topicID = "orders"

	result, err := eng.Publish(ctx, identity, topicID, []byte(`{"k":"v"}`), 0, nil, "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.EventID == "" {
		t.Fatalf("expected a non-empty event id")
	}

	gist, err := eng.Next(ctx, identity, topicID, "consumer-1", nil)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if gist == nil {
		t.Fatalf("expected a delivery gist for the published event")
	}
	if gist.UniqueTime != result.UniqueTime {
		t.Fatalf("gist.UniqueTime = %v, want %v", gist.UniqueTime, result.UniqueTime)
	}

	// A second "next" call by the same consumer before it confirms must
	// not see the same event again: at most one outstanding reservation
	// per consumer.
	again, err := eng.Next(ctx, identity, topicID, "consumer-1", nil)
	if err != nil {
		t.Fatalf("Next (second call): %v", err)
	}
	if again != nil {
		t.Fatalf("expected no further delivery before confirm, got %+v", again)
	}

	if err := eng.Confirm(ctx, identity, topicID, "consumer-1", gist.UniqueTime); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
}

func TestPublishMintsDistinctUniqueTimes(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}
	const topicID = "orders"

	seen := make(map[uint64]bool)
	const n = 50
	for i := 0; i < n; i++ {
		result, err := eng.Publish(ctx, identity, topicID, []byte(`{"i":1}`), 0, nil, "")
		if err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
		encoded := result.UniqueTime.AsEncoded()
		if seen[encoded] {
			t.Fatalf("duplicate unique time %d on publish #%d", encoded, i)
		}
		seen[encoded] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct unique times, got %d", n, len(seen))
	}
}

func TestPublishRejectsOversizedDocument(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}

	oversized := make([]byte, 6<<20)
	_, err := eng.Publish(ctx, identity, "orders", oversized, 0, nil, "")
	if broker.KindOf(err) != broker.MalformedIdentifier {
		t.Fatalf("expected MalformedIdentifier for oversized document, got %v", err)
	}
}

func TestPublishRejectsInvalidPriority(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}

	_, err := eng.Publish(ctx, identity, "orders", []byte(`{}`), 101, nil, "")
	if broker.KindOf(err) != broker.MalformedIdentifier {
		t.Fatalf("expected MalformedIdentifier for out-of-range priority, got %v", err)
	}
}

func TestPublishRejectsMalformedTopicID(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}

	_, err := eng.Publish(ctx, identity, "Not A Valid Topic!", []byte(`{}`), 0, nil, "")
	if broker.KindOf(err) != broker.MalformedIdentifier {
		t.Fatalf("expected MalformedIdentifier for invalid topic id, got %v", err)
	}
}

func TestWaitForCorrelatedFindsAlreadyPublishedEvent(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}
	const topicID = "orders"

	result, err := eng.Publish(ctx, identity, topicID, []byte(`{"k":"v"}`), 0, nil, "my-correlation-token")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.CorrelationToken == "" {
		t.Fatalf("expected a non-empty correlation token")
	}

	ev, err := eng.WaitForCorrelated(ctx, identity, topicID, result.CorrelationToken)
	if err != nil {
		t.Fatalf("WaitForCorrelated: %v", err)
	}
	if ev == nil || ev.EventID != result.EventID {
		t.Fatalf("WaitForCorrelated returned %+v, want event %s", ev, result.EventID)
	}
}

func TestGetByIDReturnsNilForUnknownEvent(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}

	ev, err := eng.GetByID(ctx, identity, "orders", "does-not-exist")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for an unknown event id, got %+v", ev)
	}
}

func TestGetByIDRejectsTamperedDocument(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}
	const topicID = "orders"

	result, err := eng.Publish(ctx, identity, topicID, []byte(`{"k":"v"}`), 0, nil, "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	stored, err := eng.backend.Event().EventByID(ctx, topicID, result.EventID)
	if err != nil {
		t.Fatalf("EventByID: %v", err)
	}
	stored.Document = `{"k":"tampered"}`
	if err := eng.backend.Event().EventPersist(ctx, *stored); err != nil {
		t.Fatalf("EventPersist: %v", err)
	}

	if _, err := eng.GetByID(ctx, identity, topicID, result.EventID); broker.KindOf(err) != broker.IntegrityProtectionError {
		t.Fatalf("expected IntegrityProtectionError for a tampered document, got %v", err)
	}
}

func TestNextRejectsMalformedConsumerID(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}

	if _, err := eng.Next(ctx, identity, "orders", "not a valid consumer!", nil); broker.KindOf(err) != broker.MalformedIdentifier {
		t.Fatalf("expected MalformedIdentifier for invalid consumer id, got %v", err)
	}
}

func TestUpsertDescriptorThenPublishValidatesAgainstSchema(t *testing.T) {
	eng, ctx := newTestEngine(t)
	identity := access.Identity{Subject: "producer-1"}
	const topicID = "orders"

	err := eng.UpsertDescriptor(ctx, identity, topicID, descriptorWithRequiredField())
	if err != nil {
		t.Fatalf("UpsertDescriptor: %v", err)
	}

	if _, err := eng.Publish(ctx, identity, topicID, []byte(`{}`), 0, nil, ""); broker.KindOf(err) != broker.PreStorageProcessorError {
		t.Fatalf("expected PreStorageProcessorError for a document missing the required field, got %v", err)
	}

	result, err := eng.Publish(ctx, identity, topicID, []byte(`{"k":1}`), 0, nil, "")
	if err != nil {
		t.Fatalf("Publish with a conforming document: %v", err)
	}
	if result.EventID == "" {
		t.Fatalf("expected a non-empty event id")
	}
}
