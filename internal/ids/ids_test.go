package ids

import (
	"testing"

	"github.com/posthog/ingest-core/internal/ingesterr"
)

func TestNewEventUUIDIsVersion7(t *testing.T) {
	id, err := NewEventUUID()
	if err != nil {
		t.Fatalf("NewEventUUID: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("version = %d, want 7", id.Version())
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-uuid")
	if err == nil {
		t.Fatal("expected error for malformed uuid")
	}
	var invalid *ingesterr.InvalidInputError
	if !asInvalidInput(err, &invalid) {
		t.Fatalf("expected InvalidInputError, got %T: %v", err, err)
	}
}

func asInvalidInput(err error, target **ingesterr.InvalidInputError) bool {
	ie, ok := err.(*ingesterr.InvalidInputError)
	if ok {
		*target = ie
	}
	return ok
}

func TestParseAcceptsValidUUID(t *testing.T) {
	id, err := NewEventUUID()
	if err != nil {
		t.Fatalf("NewEventUUID: %v", err)
	}
	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("parsed = %v, want %v", parsed, id)
	}
}
