package correlation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/backend/mem"
	"github.com/mydriatech/fragtale/pkg/broker"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

func TestTokenVerifyDetectsTamper(t *testing.T) {
	secret := []byte("correlation-secret")
	token, err := NewToken(secret, 1000)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if !token.Verify(secret) {
		t.Fatalf("expected freshly minted token to verify")
	}
	token.TimestampMicros++
	if token.Verify(secret) {
		t.Fatalf("expected tampered timestamp to fail verification")
	}
}

func TestTokenRoundTripsThroughString(t *testing.T) {
	secret := []byte("correlation-secret")
	token, err := NewToken(secret, 4242)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	s, err := token.AsString()
	if err != nil {
		t.Fatalf("AsString: %v", err)
	}
	back, err := TokenFromString(s)
	if err != nil {
		t.Fatalf("TokenFromString: %v", err)
	}
	if !back.Verify(secret) {
		t.Fatalf("round-tripped token failed to verify")
	}
	if back.TimestampMicros != 4242 {
		t.Fatalf("timestamp = %d, want 4242", back.TimestampMicros)
	}
}

func TestHotlistNotifyWakesWaiter(t *testing.T) {
	b := mem.New()
	ctx := context.Background()
	const topicID = "orders"

	secret := []byte("correlation-secret")
	h := NewHotlist(b.Event(), secret, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	token, err := NewToken(secret, nowMicros())
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	tokenStr, err := token.AsString()
	if err != nil {
		t.Fatalf("AsString: %v", err)
	}

	if err := b.Event().EventPersist(ctx, backend.Event{
		Topic:            topicID,
		EventID:          "ev-1",
		UniqueTime:       uniquetime.New(nowMicros(), 1),
		Document:         `{"ok":true}`,
		CorrelationToken: tokenStr,
	}); err != nil {
		t.Fatalf("EventPersist: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.GetEventByCorrelationToken(ctx, topicID, tokenStr)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h.Notify(ctx, topicID, tokenStr)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("GetEventByCorrelationToken: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was never woken")
	}
}

func TestHotlistRejectsInvalidToken(t *testing.T) {
	b := mem.New()
	h := NewHotlist(b.Event(), []byte("secret"), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := h.GetEventByCorrelationToken(context.Background(), "orders", "not-a-real-token")
	if broker.KindOf(err) != broker.MalformedIdentifier {
		t.Fatalf("expected MalformedIdentifier for garbage token, got %v", err)
	}
}
