// Package model holds the data types shared across the event-ingestion
// core (spec.md §3): the untrusted input event, the canonical emitted
// event, and the identity/element entities the core reads and writes.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Properties is the open, string-keyed value tree carried on events and
// persons. Design Note §9: model dynamic properties as a homogeneous
// string-keyed value tree with JSON round-trip, no per-team schema.
type Properties map[string]any

// Clone returns a shallow copy of p. Callers that mutate a properties map
// while another goroutine may hold a reference (e.g. a cached Person) must
// clone first.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a new Properties with values from overlay layered on top
// of base (overlay wins on key conflict). Used for $set/$set_once/merge-on-conflict
// semantics throughout the identity resolver and event emitter.
func Merge(base, overlay Properties) Properties {
	out := base.Clone()
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// PluginEvent is the untrusted input event as received from a client SDK
// (spec.md §6.2). All fields besides TeamID/Event/Now are optional.
type PluginEvent struct {
	DistinctID string         `json:"distinct_id"`
	IP         *string        `json:"ip"`
	SiteURL    string         `json:"site_url"`
	TeamID     int64          `json:"team_id"`
	Now        time.Time      `json:"now"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	OffsetMs   *int64         `json:"offset,omitempty"`
	Event      string         `json:"event"`
	Properties Properties     `json:"properties"`
	Set        Properties     `json:"$set,omitempty"`
	SetOnce    Properties     `json:"$set_once,omitempty"`
	Increment  map[string]any `json:"$increment,omitempty"`
}

// CanonicalEvent is the post-processing representation written to a sink
// (spec.md §3). Timestamp formatting differs per sink (§6.3) and is applied
// at serialization time, not stored here.
type CanonicalEvent struct {
	UUID          uuid.UUID
	Event         string
	Properties    string // JSON-encoded
	Timestamp     time.Time
	TeamID        int64
	DistinctID    string
	ElementsChain string
	CreatedAt     time.Time
}

// Person is the canonical identity a set of distinct-ids collapses to
// (spec.md §3). ID is the relational surrogate key; UUID is the stable
// external identifier.
type Person struct {
	ID           int64
	UUID         uuid.UUID
	TeamID       int64
	CreatedAt    time.Time
	Properties   Properties
	IsIdentified bool
	IsUserID     *int64
}

// PersonDistinctID maps an opaque per-team distinct-id to exactly one
// person at any instant (spec.md §3, invariant 2).
type PersonDistinctID struct {
	ID         int64
	PersonID   int64
	DistinctID string
	TeamID     int64
}

// Element is a single DOM-path entry contributing to an ElementGroup's
// chain (spec.md §3).
type Element struct {
	TagName    string
	Text       string
	Href       string
	AttrID     string
	AttrClass  string
	NthChild   int
	NthOfType  int
	Attributes map[string]any
	Order      int
	GroupID    int64
}

// ElementGroup is an immutable, content-addressed group of elements
// (spec.md §3). Hash is a deterministic fingerprint of the ordered list.
type ElementGroup struct {
	ID     int64
	Hash   string
	TeamID int64
}

// SessionRecordingEvent carries raw session-replay data; not action-matched
// (spec.md §3).
type SessionRecordingEvent struct {
	UUID         uuid.UUID
	TeamID       int64
	DistinctID   string
	SessionID    string
	SnapshotData string // JSON
	Timestamp    time.Time
	CreatedAt    time.Time
}

// Team is the read-only (from the core's perspective) per-team config
// (spec.md §3).
type Team struct {
	ID           int64
	AnonymizeIPs bool
}

// EventsWithoutDefinition lists event names exempt from the
// event/property-definition upsert (spec.md §4.4 step 5).
var EventsWithoutDefinition = map[string]bool{
	"$$plugin_metrics": true,
}
