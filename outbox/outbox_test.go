package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseMetadata(t *testing.T) {
	meta := ParseMetadata([]byte(`{"correlationId":"corr-1","causationId":"cause-1","eventId":"evt-1"}`))
	if meta.CorrelationID != "corr-1" {
		t.Errorf("Expected correlation corr-1, got %s", meta.CorrelationID)
	}
	if meta.CausationID != "cause-1" {
		t.Errorf("Expected causation cause-1, got %s", meta.CausationID)
	}
	if meta.EventID != "evt-1" {
		t.Errorf("Expected event id evt-1, got %s", meta.EventID)
	}

	empty := ParseMetadata(nil)
	if empty.CorrelationID != "" || empty.EventID != "" {
		t.Errorf("Expected zero metadata for nil input, got %+v", empty)
	}

	malformed := ParseMetadata([]byte(`not-json`))
	if malformed.CorrelationID != "" {
		t.Errorf("Expected zero metadata for malformed input, got %+v", malformed)
	}
}

func TestClaimBatchValidatesOptions(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())

	if _, err := store.ClaimBatch(context.Background(), ClaimOptions{Size: 0, Consumer: "x"}); err == nil {
		t.Error("Expected error for zero batch size")
	}
	if _, err := store.ClaimBatch(context.Background(), ClaimOptions{Size: 10, Consumer: ""}); err == nil {
		t.Error("Expected error for empty consumer")
	}
}

func TestMarkBatchProcessedEmptyIsNoop(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())
	if err := store.MarkBatchProcessed(context.Background(), nil, "read-model-projector"); err != nil {
		t.Errorf("Expected empty mark to be a no-op, got %v", err)
	}
}

func TestCleanupValidatesWindow(t *testing.T) {
	store := NewStore(nil, zerolog.Nop())
	if _, err := store.Cleanup(context.Background(), 0); err == nil {
		t.Error("Expected error for zero-day cleanup window")
	}
}

func TestMessageJSONShape(t *testing.T) {
	msg := Message{
		ID:           42,
		AggregateID:  "w1",
		EventType:    "WalletCredited",
		EventVersion: 3,
		Payload:      []byte(`{"amount":50.00}`),
		Metadata:     []byte(`{"correlationId":"corr-1"}`),
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	for _, field := range []string{"id", "aggregateId", "eventType", "eventVersion", "payload", "metadata", "createdAt"} {
		if _, ok := doc[field]; !ok {
			t.Errorf("Expected field %s in bus message value", field)
		}
	}
	if string(doc["payload"]) != `{"amount":50.00}` {
		t.Errorf("Payload must embed raw JSON, got %s", doc["payload"])
	}
}
