package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/posthog/ingest-core/internal/elements"
	"github.com/posthog/ingest-core/internal/ids"
	"github.com/posthog/ingest-core/internal/ingesterr"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/personmanager"
	"github.com/posthog/ingest-core/internal/personstore"
	"github.com/posthog/ingest-core/internal/storage"
	"github.com/posthog/ingest-core/internal/teamcache"
)

// maxEventNameLength caps a sanitized event name (spec.md §4.4 step 1).
const maxEventNameLength = 200

// Emitter implements capture/session-recording emission (spec.md §4.4):
// canonicalize an event and publish it to the log sink when a producer is
// configured, or to the row sink otherwise.
type Emitter struct {
	rel          storage.Relational
	producer     storage.LogProducer // nil selects the row sink
	teams        *teamcache.Cache
	persons      *personmanager.Manager
	store        *personstore.Store
	eventsTopic  string
	sessionTopic string
}

// New constructs an Emitter. producer may be nil (row sink only).
func New(rel storage.Relational, producer storage.LogProducer, teams *teamcache.Cache, persons *personmanager.Manager, store *personstore.Store, eventsTopic, sessionTopic string) *Emitter {
	return &Emitter{
		rel:          rel,
		producer:     producer,
		teams:        teams,
		persons:      persons,
		store:        store,
		eventsTopic:  eventsTopic,
		sessionTopic: sessionTopic,
	}
}

// CaptureInput is the input to Capture (spec.md §4.4's
// "capture(event_uuid, person_uuid, ...)").
type CaptureInput struct {
	EventUUID  uuid.UUID
	PersonUUID uuid.UUID // used only if a person is lazily created here
	TeamID     int64
	DistinctID string
	EventName  string
	Properties model.Properties
	IP         *string
	Timestamp  time.Time
	CreatedAt  time.Time
}

// CaptureResult carries the canonicalized event plus whichever sink-specific
// byproduct the caller may want: RowID for the row sink, Elements for
// either sink (tests assert against it directly).
type CaptureResult struct {
	Event    model.CanonicalEvent
	RowID    *int64
	Elements []model.Element
}

// Capture implements spec.md §4.4 steps 1-9.
func (e *Emitter) Capture(ctx context.Context, in CaptureInput) (CaptureResult, error) {
	props := in.Properties.Clone()
	eventName := sanitizeEventName(in.EventName)

	raw := popRawElements(props)
	chain, hash, elRows := elements.Extract(raw)

	team, err := e.teams.Get(ctx, in.TeamID)
	if err != nil {
		return CaptureResult{}, err
	}

	if in.IP != nil && !team.AnonymizeIPs {
		if _, exists := props["$ip"]; !exists {
			props["$ip"] = *in.IP
		}
	}

	if !model.EventsWithoutDefinition[eventName] {
		if err := e.teams.EnsureDefinitions(ctx, in.TeamID, eventName, props); err != nil {
			return CaptureResult{}, err
		}
	}

	isNewPerson, err := e.ensurePersonExists(ctx, in.TeamID, in.DistinctID, in.PersonUUID, in.Timestamp)
	if err != nil {
		return CaptureResult{}, err
	}

	injectInitialProperties(props, isNewPerson)

	set, _ := props["$set"].(map[string]any)
	setOnce, _ := props["$set_once"].(map[string]any)
	increments, _ := props["$increment"].(map[string]any)
	if len(set) > 0 || len(setOnce) > 0 || len(increments) > 0 {
		if err := e.UpdatePersonProperties(ctx, in.TeamID, in.DistinctID, model.Properties(setOnce), model.Properties(set), increments); err != nil {
			return CaptureResult{}, err
		}
	}

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return CaptureResult{}, ingesterr.NewInvalidInput(fmt.Sprintf("marshal event properties: %v", err))
	}

	event := model.CanonicalEvent{
		UUID:          in.EventUUID,
		Event:         eventName,
		Properties:    string(propsJSON),
		Timestamp:     in.Timestamp,
		TeamID:        in.TeamID,
		DistinctID:    in.DistinctID,
		ElementsChain: chain,
		CreatedAt:     in.CreatedAt,
	}

	result := CaptureResult{Event: event, Elements: elRows}

	if e.producer != nil {
		payload := EncodeWire(event)
		if err := e.producer.Queue(ctx, e.eventsTopic, storage.Message{
			Key:   []byte(event.UUID.String()),
			Value: payload,
		}); err != nil {
			return CaptureResult{}, ingesterr.NewTransientStorage(fmt.Errorf("queue event to log sink: %w", err))
		}
		return result, nil
	}

	rowID, err := e.insertEventRow(ctx, event, hash, elRows)
	if err != nil {
		return CaptureResult{}, err
	}
	result.RowID = &rowID
	return result, nil
}

// ensurePersonExists implements spec.md §4.4 step 6: Person Manager's "is
// new" check, then an absorbed-race create on a miss.
func (e *Emitter) ensurePersonExists(ctx context.Context, teamID int64, distinctID string, personUUID uuid.UUID, createdAt time.Time) (isNew bool, err error) {
	isNew, err = e.persons.IsNew(ctx, teamID, distinctID)
	if err != nil {
		return false, err
	}
	if !isNew {
		return false, nil
	}

	_, err = e.store.Create(ctx, createdAt, model.Properties{}, teamID, nil, false, personUUID, []string{distinctID})
	if err != nil {
		var race *ingesterr.RaceConditionError
		if !errors.As(err, &race) {
			return false, err
		}
		// A peer worker won the race; the distinct-id already exists.
	}
	e.persons.MarkSeen(ctx, teamID, distinctID)
	return true, nil
}

// SnapshotInput is the input to CaptureSnapshot.
type SnapshotInput struct {
	EventUUID    uuid.UUID
	PersonUUID   uuid.UUID
	TeamID       int64
	DistinctID   string
	SessionID    string
	IP           *string
	SnapshotData model.Properties
	Timestamp    time.Time
	CreatedAt    time.Time
}

// CaptureSnapshot implements the `$snapshot` session-recording path (spec.md
// §4.4): ensure a person exists, then publish the snapshot payload as JSON.
// No element extraction, no definition update. Per spec.md §9 Open
// Question 3, the same anonymize_ips rule as Capture applies.
func (e *Emitter) CaptureSnapshot(ctx context.Context, in SnapshotInput) error {
	if _, err := e.ensurePersonExists(ctx, in.TeamID, in.DistinctID, in.PersonUUID, in.Timestamp); err != nil {
		return err
	}

	data := in.SnapshotData.Clone()
	team, err := e.teams.Get(ctx, in.TeamID)
	if err != nil {
		return err
	}
	if in.IP != nil && !team.AnonymizeIPs {
		if _, exists := data["$ip"]; !exists {
			data["$ip"] = *in.IP
		}
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return ingesterr.NewInvalidInput(fmt.Sprintf("marshal snapshot data: %v", err))
	}

	if e.producer != nil {
		payload, err := json.Marshal(model.SessionRecordingEvent{
			UUID:         in.EventUUID,
			TeamID:       in.TeamID,
			DistinctID:   in.DistinctID,
			SessionID:    in.SessionID,
			SnapshotData: string(dataJSON),
			Timestamp:    in.Timestamp,
			CreatedAt:    in.CreatedAt,
		})
		if err != nil {
			return ingesterr.NewInvalidInput(fmt.Sprintf("marshal session recording event: %v", err))
		}
		if err := e.producer.Queue(ctx, e.sessionTopic, storage.Message{
			Key:   []byte(in.EventUUID.String()),
			Value: payload,
		}); err != nil {
			return ingesterr.NewTransientStorage(fmt.Errorf("queue snapshot to log sink: %w", err))
		}
		return nil
	}

	_, err = e.rel.ExecContext(ctx, "emitter.insert_session_recording", `
		INSERT INTO posthog_sessionrecordingevent (uuid, team_id, distinct_id, session_id, snapshot_data, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, in.EventUUID.String(), in.TeamID, in.DistinctID, in.SessionID, string(dataJSON), in.Timestamp.UTC(), in.CreatedAt.UTC())
	if err != nil {
		return ingesterr.NewTransientStorage(fmt.Errorf("insert session recording event: %w", err))
	}
	return nil
}

// UpdatePersonProperties implements spec.md §4.5.
func (e *Emitter) UpdatePersonProperties(ctx context.Context, teamID int64, distinctID string, setOnce, set model.Properties, increments map[string]any) error {
	person, err := e.fetchOrCreatePerson(ctx, teamID, distinctID)
	if err != nil {
		return err
	}

	newProps := model.Merge(model.Merge(setOnce, person.Properties), set)

	numeric := filterNumeric(increments)
	hasIncrements := len(numeric) > 0
	if hasIncrements {
		incremented, err := e.store.IncrementProperties(ctx, person, numeric)
		if err != nil {
			return err
		}
		newProps = model.Merge(newProps, incremented)
	}

	if reflect.DeepEqual(newProps, person.Properties) && (e.producer == nil || !hasIncrements) {
		return nil
	}

	_, err = e.store.Update(ctx, person, newProps, nil)
	return err
}

// fetchOrCreatePerson mirrors identityresolver's set_is_identified
// lazy-creation pattern (spec.md §4.5 step 1: "race-safe, as in
// set_is_identified").
func (e *Emitter) fetchOrCreatePerson(ctx context.Context, teamID int64, distinctID string) (*model.Person, error) {
	person, err := e.store.Fetch(ctx, teamID, distinctID)
	if err != nil {
		return nil, err
	}
	if person != nil {
		return person, nil
	}

	personUUID, err := ids.NewPersonUUID()
	if err != nil {
		return nil, ingesterr.NewInvalidInput(fmt.Sprintf("generate person uuid: %v", err))
	}
	created, err := e.store.Create(ctx, time.Now().UTC(), model.Properties{}, teamID, nil, false, personUUID, []string{distinctID})
	if err != nil {
		var race *ingesterr.RaceConditionError
		if errors.As(err, &race) {
			refetched, err := e.store.Fetch(ctx, teamID, distinctID)
			if err != nil {
				return nil, err
			}
			if refetched == nil {
				return nil, ingesterr.NewTransientStorage(fmt.Errorf("person for distinct_id %q vanished after race", distinctID))
			}
			return refetched, nil
		}
		return nil, err
	}
	return created, nil
}

func filterNumeric(increments map[string]any) map[string]float64 {
	if len(increments) == 0 {
		return nil
	}
	out := make(map[string]float64, len(increments))
	for k, v := range increments {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		}
	}
	return out
}

// popRawElements removes "$elements" from props (spec.md §4.4 step 2) and
// decodes it into the Element Extractor's input shape. A malformed or
// absent $elements yields an empty list rather than an error — element
// extraction is best-effort enrichment, not a validity gate on the event.
func popRawElements(props model.Properties) []elements.RawElement {
	raw, ok := props["$elements"]
	if !ok {
		return nil
	}
	delete(props, "$elements")

	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []elements.RawElement
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// sanitizeEventName strips control characters and caps length (spec.md
// §4.4 step 1).
func sanitizeEventName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxEventNameLength {
		out = out[:maxEventNameLength]
	}
	return out
}

// initialPropertyKeys are first-touch properties normalized to $initial_*
// on a person's first-ever event (spec.md §4.4 step 7).
var initialPropertyKeys = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term", "utm_name",
	"gclid", "gclsrc", "dclid", "gbraid", "wbraid", "fbclid", "msclkid",
	"$referrer", "$referring_domain", "$current_url", "$browser", "$os", "$device_type",
}

func injectInitialProperties(props model.Properties, isNewPerson bool) {
	if !isNewPerson {
		return
	}
	for _, key := range initialPropertyKeys {
		v, ok := props[key]
		if !ok {
			continue
		}
		initialKey := "$initial_" + strings.TrimPrefix(key, "$")
		if _, exists := props[initialKey]; !exists {
			props[initialKey] = v
		}
	}
}

// insertEventRow implements the row-sink branch of spec.md §4.4 step 9:
// hash elements into an element group (absorbing a unique-violation),
// insert the event row, return its id.
func (e *Emitter) insertEventRow(ctx context.Context, event model.CanonicalEvent, hash string, elRows []model.Element) (int64, error) {
	var groupID int64
	if len(elRows) > 0 {
		var err error
		groupID, err = e.insertElementGroup(ctx, event.TeamID, hash, elRows)
		if err != nil {
			return 0, err
		}
	}

	res, err := e.rel.ExecContext(ctx, "emitter.insert_event", `
		INSERT INTO posthog_event (uuid, event, properties, timestamp, team_id, distinct_id, elements_chain, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.UUID.String(), event.Event, event.Properties, event.Timestamp.UTC(), event.TeamID, event.DistinctID, event.ElementsChain, event.CreatedAt.UTC())
	if err != nil {
		return 0, ingesterr.NewTransientStorage(fmt.Errorf("insert event row: %w", err))
	}
	_ = groupID // the element group id is not itself stored on posthog_event (spec.md §6.5 names no fk column for it)
	return res.LastInsertId()
}

func (e *Emitter) insertElementGroup(ctx context.Context, teamID int64, hash string, elRows []model.Element) (int64, error) {
	res, err := e.rel.ExecContext(ctx, "emitter.insert_element_group", `
		INSERT INTO posthog_elementgroup (hash, team_id) VALUES (?, ?)
	`, hash, teamID)
	var groupID int64
	if err != nil {
		if !e.rel.IsUniqueViolation(err) {
			return 0, ingesterr.NewTransientStorage(fmt.Errorf("insert element group: %w", err))
		}
		row := e.rel.QueryRowContext(ctx, "emitter.fetch_element_group", `
			SELECT id FROM posthog_elementgroup WHERE team_id = ? AND hash = ?
		`, teamID, hash)
		if err := row.Scan(&groupID); err != nil {
			return 0, ingesterr.NewTransientStorage(fmt.Errorf("refetch element group %q: %w", hash, err))
		}
		return groupID, nil
	}
	groupID, err = res.LastInsertId()
	if err != nil {
		return 0, ingesterr.NewTransientStorage(fmt.Errorf("element group insert id: %w", err))
	}
	for _, el := range elRows {
		attrs, err := json.Marshal(el.Attributes)
		if err != nil {
			attrs = []byte("{}")
		}
		if _, err := e.rel.ExecContext(ctx, "emitter.insert_element", `
			INSERT INTO posthog_element (group_id, tag_name, text, href, attr_id, attr_class, nth_child, nth_of_type, attributes, "order")
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, groupID, el.TagName, el.Text, el.Href, el.AttrID, el.AttrClass, el.NthChild, el.NthOfType, string(attrs), el.Order); err != nil {
			return 0, ingesterr.NewTransientStorage(fmt.Errorf("insert element row: %w", err))
		}
	}
	return groupID, nil
}
