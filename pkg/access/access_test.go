package access

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mydriatech/fragtale/pkg/backend/mem"
	"github.com/mydriatech/fragtale/pkg/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAnyIdentityMayReadAnyTopic(t *testing.T) {
	ctx := context.Background()
	c := New(mem.New().Access(), testLogger())
	if err := c.AssertAllowedTopicRead(ctx, Identity{Subject: "anyone"}, "orders"); err != nil {
		t.Fatalf("AssertAllowedTopicRead: %v", err)
	}
}

func TestFirstWriterAutoClaimsTopic(t *testing.T) {
	ctx := context.Background()
	c := New(mem.New().Access(), testLogger())
	first := Identity{Subject: "producer-1"}

	if err := c.AssertAllowedTopicWrite(ctx, first, "orders"); err != nil {
		t.Fatalf("first writer should auto-claim the topic: %v", err)
	}
	// A repeat write by the same identity should stay authorized.
	if err := c.AssertAllowedTopicWrite(ctx, first, "orders"); err != nil {
		t.Fatalf("claimant should stay authorized on repeat writes: %v", err)
	}
}

func TestSecondWriterIsRejectedOnceTopicIsClaimed(t *testing.T) {
	ctx := context.Background()
	c := New(mem.New().Access(), testLogger())
	first := Identity{Subject: "producer-1"}
	second := Identity{Subject: "producer-2"}

	if err := c.AssertAllowedTopicWrite(ctx, first, "orders"); err != nil {
		t.Fatalf("first writer should auto-claim the topic: %v", err)
	}
	if err := c.AssertAllowedTopicWrite(ctx, second, "orders"); broker.KindOf(err) != broker.Unauthorized {
		t.Fatalf("expected Unauthorized for a second claimant, got %v", err)
	}
}

func TestLocalIdentityBypassesGrantsEntirely(t *testing.T) {
	ctx := context.Background()
	c := New(mem.New().Access(), testLogger())
	first := Identity{Subject: "producer-1"}
	local := Identity{Subject: "consolidator", Local: true}

	if err := c.AssertAllowedTopicWrite(ctx, first, "orders"); err != nil {
		t.Fatalf("first writer should auto-claim the topic: %v", err)
	}
	if err := c.AssertAllowedTopicWrite(ctx, local, "orders"); err != nil {
		t.Fatalf("a local identity should bypass the grant model, got %v", err)
	}
}

func TestDecisionCacheMemoizesAuthorizedReads(t *testing.T) {
	cache := newDecisionCache()
	identity := Identity{Subject: "reader-1"}.String()
	resource := TopicResource("orders", OperationRead)

	if cache.isAuthorized(identity, resource) {
		t.Fatalf("expected no cached decision before insert")
	}
	cache.insert(identity, resource)
	if !cache.isAuthorized(identity, resource) {
		t.Fatalf("expected a cached decision after insert")
	}
}

func TestSplitResourceRejectsMalformedPaths(t *testing.T) {
	if _, _, _, err := splitResource("not-a-resource-path"); err == nil {
		t.Fatalf("expected an error for a malformed resource path")
	}
	resourceType, objectID, operation, err := splitResource("/topic/orders/write")
	if err != nil {
		t.Fatalf("splitResource: %v", err)
	}
	if resourceType != "topic" || objectID != "orders" || operation != "write" {
		t.Fatalf("splitResource = (%q, %q, %q), want (topic, orders, write)", resourceType, objectID, operation)
	}
}
