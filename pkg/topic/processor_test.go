package topic

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/backend/mem"
	"github.com/mydriatech/fragtale/pkg/broker"
)

func newTestProcessor(t *testing.T) (*Processor, backend.Backend, context.Context) {
	t.Helper()
	ctx := context.Background()
	b := mem.New()
	cache := NewDescriptorCache(ctx, b.Topic(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewProcessor(cache), b, ctx
}

func TestValidateAndExtract_SchemaRejection(t *testing.T) {
	p, b, ctx := newTestProcessor(t)
	const topicID = "t2"
	if _, err := b.Topic().UpsertEventDescriptor(ctx, backend.EventDescriptor{
		Topic:      topicID,
		Version:    0,
		SchemaType: schemaTypeJSONSchema202012,
		SchemaData: `{"type":"object","required":["k"]}`,
	}); err != nil {
		t.Fatalf("UpsertEventDescriptor: %v", err)
	}
	p.descriptors.ReloadTopic(ctx, topicID)

	if _, err := p.ValidateAndExtract(ctx, topicID, `{}`, nil); broker.KindOf(err) != broker.PreStorageProcessorError {
		t.Fatalf("expected PreStorageProcessorError for missing required field, got %v", err)
	}
	if _, err := p.ValidateAndExtract(ctx, topicID, `{"k":1}`, nil); err != nil {
		t.Fatalf("expected valid document to pass, got %v", err)
	}
}

func TestValidateAndExtract_VersionMinRejection(t *testing.T) {
	p, b, ctx := newTestProcessor(t)
	const topicID = "t3"
	versionMin := uint64(5)
	if _, err := b.Topic().UpsertEventDescriptor(ctx, backend.EventDescriptor{
		Topic: topicID, Version: 5, VersionMin: &versionMin,
	}); err != nil {
		t.Fatalf("UpsertEventDescriptor: %v", err)
	}
	p.descriptors.ReloadTopic(ctx, topicID)

	stale := uint64(2)
	if _, err := p.ValidateAndExtract(ctx, topicID, `{}`, &stale); broker.KindOf(err) != broker.PreStorageProcessorError {
		t.Fatalf("expected rejection of stale descriptor version, got %v", err)
	}
}

func TestExtractColumns_MissingOptionalFieldYieldsNoColumn(t *testing.T) {
	descriptor := &backend.EventDescriptor{
		Extractors: []backend.Extractor{
			{ExtractionType: "json-pointer", ExtractionPath: "/present", ResultName: "present", ResultType: "text"},
			{ExtractionType: "json-pointer", ExtractionPath: "/missing", ResultName: "missing", ResultType: "text"},
		},
	}
	columns, err := extractColumns(descriptor, `{"present":"value"}`)
	if err != nil {
		t.Fatalf("extractColumns: %v", err)
	}
	if _, ok := columns["missing"]; ok {
		t.Fatalf("expected no column written for missing optional field")
	}
	if columns["present"].Text != "value" {
		t.Fatalf("columns[present] = %+v, want Text=value", columns["present"])
	}
}
