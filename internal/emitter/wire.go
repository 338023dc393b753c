// Package emitter canonicalizes event payloads and publishes them to the
// log sink or row sink (spec.md §4.4), including the `$snapshot`
// session-recording variant.
package emitter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/posthog/ingest-core/internal/model"
)

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("decode wire uuid: %w", err)
	}
	return id, nil
}

// wireTimeLayout is the log sink's high-precision timestamp format
// (spec.md §3/§6.3): "YYYY-MM-DD HH:MM:SS.ffffff".
const wireTimeLayout = "2006-01-02 15:04:05.000000"

// Field numbers for the length-delimited wire frame (spec.md §6.3). No
// .proto file is compiled; protowire's append/consume helpers are used
// directly against a hand-built frame, the same way the teacher's
// WhatsApp channel layer drives google.golang.org/protobuf/proto against
// hand-built messages.
const (
	fieldUUID          = protowire.Number(1)
	fieldEvent         = protowire.Number(2)
	fieldProperties    = protowire.Number(3)
	fieldTimestamp     = protowire.Number(4)
	fieldTeamID        = protowire.Number(5)
	fieldDistinctID    = protowire.Number(6)
	fieldElementsChain = protowire.Number(7)
	fieldCreatedAt     = protowire.Number(8)
)

// EncodeWire builds the canonical-event wire frame for the log sink
// (spec.md §6.3).
func EncodeWire(ev model.CanonicalEvent) []byte {
	var b []byte
	b = appendString(b, fieldUUID, ev.UUID.String())
	b = appendString(b, fieldEvent, ev.Event)
	b = appendString(b, fieldProperties, ev.Properties)
	b = appendString(b, fieldTimestamp, ev.Timestamp.UTC().Format(wireTimeLayout))
	b = protowire.AppendTag(b, fieldTeamID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.TeamID))
	b = appendString(b, fieldDistinctID, ev.DistinctID)
	b = appendString(b, fieldElementsChain, ev.ElementsChain)
	b = appendString(b, fieldCreatedAt, ev.CreatedAt.UTC().Format(wireTimeLayout))
	return b
}

func appendString(b []byte, field protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, []byte(s))
}

// DecodeWire parses a frame built by EncodeWire, used by tests to verify
// invariant 4 (lossless microsecond round-trip through the wire format).
func DecodeWire(data []byte) (model.CanonicalEvent, error) {
	var ev model.CanonicalEvent
	var uuidStr, timestampStr, createdAtStr string

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return ev, fmt.Errorf("decode wire tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return ev, fmt.Errorf("decode wire bytes field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldUUID:
				uuidStr = string(v)
			case fieldEvent:
				ev.Event = string(v)
			case fieldProperties:
				ev.Properties = string(v)
			case fieldTimestamp:
				timestampStr = string(v)
			case fieldDistinctID:
				ev.DistinctID = string(v)
			case fieldElementsChain:
				ev.ElementsChain = string(v)
			case fieldCreatedAt:
				createdAtStr = string(v)
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return ev, fmt.Errorf("decode wire varint field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if num == fieldTeamID {
				ev.TeamID = int64(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return ev, fmt.Errorf("decode wire field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if uuidStr != "" {
		parsed, err := parseUUID(uuidStr)
		if err != nil {
			return ev, err
		}
		ev.UUID = parsed
	}
	if timestampStr != "" {
		ts, err := time.Parse(wireTimeLayout, timestampStr)
		if err != nil {
			return ev, fmt.Errorf("decode wire timestamp: %w", err)
		}
		ev.Timestamp = ts
	}
	if createdAtStr != "" {
		ts, err := time.Parse(wireTimeLayout, createdAtStr)
		if err != nil {
			return ev, fmt.Errorf("decode wire created_at: %w", err)
		}
		ev.CreatedAt = ts
	}
	return ev, nil
}
