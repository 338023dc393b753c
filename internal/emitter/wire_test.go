package emitter

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/posthog/ingest-core/internal/model"
)

// TestWireRoundTripIsLossless covers invariant 4: the wire format round
// trips an event losslessly to microsecond precision (spec.md §6.3/§8).
func TestWireRoundTripIsLossless(t *testing.T) {
	ts := time.Date(2024, 3, 5, 12, 30, 45, 123000000, time.UTC)
	created := time.Date(2024, 3, 5, 12, 30, 46, 654000000, time.UTC)

	ev := model.CanonicalEvent{
		UUID:          uuid.New(),
		Event:         "$pageview",
		Properties:    `{"$current_url":"https://example.com"}`,
		Timestamp:     ts,
		TeamID:        42,
		DistinctID:    "user-123",
		ElementsChain: `a.btn:attr_id="submit"`,
		CreatedAt:     created,
	}

	encoded := EncodeWire(ev)
	decoded, err := DecodeWire(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.UUID != ev.UUID {
		t.Fatalf("uuid mismatch: got %s want %s", decoded.UUID, ev.UUID)
	}
	if decoded.Event != ev.Event {
		t.Fatalf("event mismatch: got %q want %q", decoded.Event, ev.Event)
	}
	if decoded.Properties != ev.Properties {
		t.Fatalf("properties mismatch: got %q want %q", decoded.Properties, ev.Properties)
	}
	if decoded.TeamID != ev.TeamID {
		t.Fatalf("team_id mismatch: got %d want %d", decoded.TeamID, ev.TeamID)
	}
	if decoded.DistinctID != ev.DistinctID {
		t.Fatalf("distinct_id mismatch: got %q want %q", decoded.DistinctID, ev.DistinctID)
	}
	if decoded.ElementsChain != ev.ElementsChain {
		t.Fatalf("elements_chain mismatch: got %q want %q", decoded.ElementsChain, ev.ElementsChain)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Fatalf("timestamp mismatch: got %v want %v", decoded.Timestamp, ts)
	}
	if !decoded.CreatedAt.Equal(created) {
		t.Fatalf("created_at mismatch: got %v want %v", decoded.CreatedAt, created)
	}
}

func TestWireRoundTripEmptyEvent(t *testing.T) {
	ev := model.CanonicalEvent{UUID: uuid.New(), TeamID: 1}
	decoded, err := DecodeWire(EncodeWire(ev))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.UUID != ev.UUID || decoded.TeamID != ev.TeamID {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
}

func TestDecodeWireRejectsTruncatedData(t *testing.T) {
	ev := model.CanonicalEvent{UUID: uuid.New(), Event: "$pageview", TeamID: 1}
	encoded := EncodeWire(ev)
	if _, err := DecodeWire(encoded[:len(encoded)-3]); err == nil {
		t.Fatal("expected an error decoding truncated wire data")
	}
}
