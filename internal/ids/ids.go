// Package ids generates and validates the time-ordered identifiers used
// throughout the event-ingestion core (spec.md §2, §4.0): event uuids,
// person uuids, and validation of untrusted uuid input such as the
// event_uuid passed into process_event.
package ids

import (
	"github.com/google/uuid"

	"github.com/posthog/ingest-core/internal/ingesterr"
)

// NewEventUUID returns a fresh time-ordered identifier for a canonical
// event. UUIDv7 embeds a millisecond timestamp in its high bits, so event
// ids sort roughly by creation time even across workers.
func NewEventUUID() (uuid.UUID, error) {
	return uuid.NewV7()
}

// NewPersonUUID returns a fresh time-ordered identifier for a newly
// created person.
func NewPersonUUID() (uuid.UUID, error) {
	return uuid.NewV7()
}

// Parse validates an untrusted uuid string, returning an InvalidInputError
// (spec.md §7) on failure so callers can fail the event without retrying.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, ingesterr.NewInvalidInput("malformed event uuid: " + err.Error())
	}
	return id, nil
}
