// Package personstore implements transactional CRUD on person and
// person-distinct-id entities with dual-sink mirroring (spec.md §4.3). Its
// callers are the Identity Resolver, the Event Emitter and the Person
// Manager; this package owns the one
// relational transaction boundary per mutation and the post-commit
// log-sink publication rule (spec.md §5).
package personstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/posthog/ingest-core/internal/ingesterr"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/storage"
)

// Store is the transactional owner of person/person_distinct_id state.
type Store struct {
	rel         storage.Relational
	producer    storage.LogProducer // nil disables the log sink; row sink is authoritative
	personTopic string
	columnar    storage.Relational // nil disables the columnar tombstone-delete path (spec.md §4.3)
}

// New constructs a Store. producer may be nil, in which case mutations are
// relational-only (spec.md §5 dual-sink rule: the log sink is optional,
// the relational write is not).
func New(rel storage.Relational, producer storage.LogProducer, personTopic string) *Store {
	return &Store{rel: rel, producer: producer, personTopic: personTopic}
}

// Columnar configures a columnar analytics sink for Delete to mirror
// tombstones into (spec.md §4.3, §6.4). Unconfigured by default — Delete
// then only ever touches the relational store.
func (s *Store) Columnar(rel storage.Relational) {
	s.columnar = rel
}

// DistinctIDRow is a person_distinct_id row, returned where callers need
// the row's surrogate id (the merge protocol's move/delete steps key off
// it, not just the distinct-id string).
type DistinctIDRow struct {
	ID         int64
	PersonID   int64
	DistinctID string
	TeamID     int64
}

// Fetch returns the person owning (teamID, distinctID), or nil if none
// exists — a miss is not an error (spec.md §4.3 "fetch(...) → Person?").
func (s *Store) Fetch(ctx context.Context, teamID int64, distinctID string) (*model.Person, error) {
	row := s.rel.QueryRowContext(ctx, "personstore.fetch", `
		SELECT p.id, p.uuid, p.team_id, p.created_at, p.properties, p.is_identified, p.is_user_id
		FROM posthog_person p
		JOIN posthog_persondistinctid d ON d.person_id = p.id
		WHERE d.team_id = ? AND d.distinct_id = ?
	`, teamID, distinctID)
	person, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ingesterr.NewTransientStorage(fmt.Errorf("fetch person for distinct_id %q: %w", distinctID, err))
	}
	return person, nil
}

// FetchByID returns the person with the given surrogate id, or nil.
func (s *Store) FetchByID(ctx context.Context, personID int64) (*model.Person, error) {
	row := s.rel.QueryRowContext(ctx, "personstore.fetch_by_id", `
		SELECT id, uuid, team_id, created_at, properties, is_identified, is_user_id
		FROM posthog_person WHERE id = ?
	`, personID)
	person, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ingesterr.NewTransientStorage(fmt.Errorf("fetch person %d: %w", personID, err))
	}
	return person, nil
}

// DistinctIDsFor returns every distinct-id row currently attached to
// personID, snapshotting the set the merge protocol's move step will act
// on (spec.md §4.2 merge_people step 5).
func (s *Store) DistinctIDsFor(ctx context.Context, personID int64) ([]DistinctIDRow, error) {
	rows, err := s.rel.QueryContext(ctx, "personstore.distinct_ids_for", `
		SELECT id, person_id, distinct_id, team_id FROM posthog_persondistinctid WHERE person_id = ?
	`, personID)
	if err != nil {
		return nil, ingesterr.NewTransientStorage(fmt.Errorf("list distinct ids for person %d: %w", personID, err))
	}
	defer rows.Close()

	var out []DistinctIDRow
	for rows.Next() {
		var d DistinctIDRow
		if err := rows.Scan(&d.ID, &d.PersonID, &d.DistinctID, &d.TeamID); err != nil {
			return nil, ingesterr.NewTransientStorage(fmt.Errorf("scan distinct id row: %w", err))
		}
		out = append(out, d)
	}
	return out, nil
}

// Create inserts a person row and each of distinctIDs in one transaction,
// then queues one person-topic message and one message per distinct-id
// after commit (spec.md §4.3). On a unique-violation (a peer worker won
// the race), returns ingesterr.RaceConditionError so the caller re-fetches.
func (s *Store) Create(ctx context.Context, createdAt time.Time, properties model.Properties, teamID int64, isUserID *int64, isIdentified bool, personUUID uuid.UUID, distinctIDs []string) (*model.Person, error) {
	props, err := json.Marshal(properties)
	if err != nil {
		return nil, ingesterr.NewInvalidInput(fmt.Sprintf("marshal person properties: %v", err))
	}

	var personID int64
	err = s.rel.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO posthog_person (uuid, team_id, created_at, properties, is_identified, is_user_id)
			VALUES (?, ?, ?, ?, ?, ?)
		`, personUUID.String(), teamID, createdAt.UTC(), string(props), isIdentified, isUserID)
		if err != nil {
			return err
		}
		personID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, did := range distinctIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO posthog_persondistinctid (person_id, distinct_id, team_id) VALUES (?, ?, ?)
			`, personID, did, teamID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if s.rel.IsUniqueViolation(err) {
			return nil, ingesterr.NewRaceCondition("person create")
		}
		return nil, ingesterr.NewTransientStorage(fmt.Errorf("create person: %w", err))
	}

	person := &model.Person{
		ID:           personID,
		UUID:         personUUID,
		TeamID:       teamID,
		CreatedAt:    createdAt.UTC(),
		Properties:   properties,
		IsIdentified: isIdentified,
		IsUserID:     isUserID,
	}

	s.queuePersonMessage(ctx, person)
	for _, did := range distinctIDs {
		s.queueDistinctIDMessage(ctx, personUUID, did)
	}
	return person, nil
}

// Update overwrites person's properties (and, if isIdentified is non-nil,
// its is_identified flag) and queues a person-topic message after commit
// (spec.md §4.3).
func (s *Store) Update(ctx context.Context, person *model.Person, newProperties model.Properties, isIdentified *bool) (*model.Person, error) {
	props, err := json.Marshal(newProperties)
	if err != nil {
		return nil, ingesterr.NewInvalidInput(fmt.Sprintf("marshal person properties: %v", err))
	}

	identified := person.IsIdentified
	if isIdentified != nil {
		identified = *isIdentified
	}

	err = s.rel.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE posthog_person SET properties = ?, is_identified = ?, created_at = ? WHERE id = ?
		`, string(props), identified, person.CreatedAt.UTC(), person.ID)
		return err
	})
	if err != nil {
		return nil, ingesterr.NewTransientStorage(fmt.Errorf("update person %d: %w", person.ID, err))
	}

	updated := *person
	updated.Properties = newProperties
	updated.IsIdentified = identified
	s.queuePersonMessage(ctx, &updated)
	return &updated, nil
}

// UpdateCreatedAt rewrites person.created_at (used by merge_people step 2-3
// to adopt the earlier of the two merging persons' creation times) along
// with its properties, in one statement.
func (s *Store) UpdateCreatedAt(ctx context.Context, person *model.Person, createdAt time.Time, newProperties model.Properties) (*model.Person, error) {
	props, err := json.Marshal(newProperties)
	if err != nil {
		return nil, ingesterr.NewInvalidInput(fmt.Sprintf("marshal person properties: %v", err))
	}

	err = s.rel.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE posthog_person SET properties = ?, created_at = ? WHERE id = ?
		`, string(props), createdAt.UTC(), person.ID)
		return err
	})
	if err != nil {
		return nil, ingesterr.NewTransientStorage(fmt.Errorf("update person %d created_at: %w", person.ID, err))
	}

	updated := *person
	updated.Properties = newProperties
	updated.CreatedAt = createdAt.UTC()
	s.queuePersonMessage(ctx, &updated)
	return &updated, nil
}

// ReassignCohorts moves cohort memberships from fromPersonID to
// intoPersonID (spec.md §4.2 merge_people step 4).
func (s *Store) ReassignCohorts(ctx context.Context, fromPersonID, intoPersonID int64) error {
	_, err := s.rel.ExecContext(ctx, "personstore.reassign_cohorts", `
		UPDATE posthog_cohortpeople SET person_id = ? WHERE person_id = ?
	`, intoPersonID, fromPersonID)
	if err != nil {
		return ingesterr.NewTransientStorage(fmt.Errorf("reassign cohorts from %d to %d: %w", fromPersonID, intoPersonID, err))
	}
	return nil
}

// AddDistinctID attaches distinctID to person. A unique-violation (another
// worker attached the same distinct-id first) surfaces as RaceConditionError
// per spec.md §4.3.
func (s *Store) AddDistinctID(ctx context.Context, person *model.Person, distinctID string) error {
	_, err := s.rel.ExecContext(ctx, "personstore.add_distinct_id", `
		INSERT INTO posthog_persondistinctid (person_id, distinct_id, team_id) VALUES (?, ?, ?)
	`, person.ID, distinctID, person.TeamID)
	if err != nil {
		if s.rel.IsUniqueViolation(err) {
			return ingesterr.NewRaceCondition("add distinct id")
		}
		return ingesterr.NewTransientStorage(fmt.Errorf("add distinct id %q to person %d: %w", distinctID, person.ID, err))
	}
	s.queueDistinctIDMessage(ctx, person.UUID, distinctID)
	return nil
}

// MoveDistinctIDs reassigns every row in known (a snapshot taken by
// DistinctIDsFor before the move) from other's person_id to into.ID. It
// does not discover new rows added concurrently — that asymmetry is what
// lets Delete detect the race via the foreign-key constraint (spec.md §4.2
// scenario S5).
func (s *Store) MoveDistinctIDs(ctx context.Context, known []DistinctIDRow, other, into *model.Person) error {
	err := s.rel.Transaction(ctx, func(tx *sql.Tx) error {
		for _, d := range known {
			if _, err := tx.ExecContext(ctx, `
				UPDATE posthog_persondistinctid SET person_id = ? WHERE id = ? AND person_id = ?
			`, into.ID, d.ID, other.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ingesterr.NewTransientStorage(fmt.Errorf("move distinct ids from %d to %d: %w", other.ID, into.ID, err))
	}
	for _, d := range known {
		s.queueDistinctIDMessage(ctx, into.UUID, d.DistinctID)
	}
	return nil
}

// Delete removes exactly the distinct-id rows named by known, then the
// person row itself, in one transaction. If a distinct-id arrived on
// other concurrently (not present in known), the person-row delete fails
// on the foreign-key constraint and that failure is surfaced so the merge
// loop can retry (spec.md §4.2 scenario S5, §4.3 "delete(person)").
func (s *Store) Delete(ctx context.Context, person *model.Person, known []DistinctIDRow) error {
	err := s.rel.Transaction(ctx, func(tx *sql.Tx) error {
		for _, d := range known {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM posthog_persondistinctid WHERE id = ? AND person_id = ?
			`, d.ID, person.ID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM posthog_person WHERE id = ?`, person.ID)
		return err
	})
	if err != nil {
		if s.rel.IsForeignKeyViolation(err) {
			return ingesterr.NewRaceCondition("delete person")
		}
		return ingesterr.NewTransientStorage(fmt.Errorf("delete person %d: %w", person.ID, err))
	}
	if s.columnar != nil {
		return s.deleteColumnarTombstones(ctx, person)
	}
	return nil
}

// deleteColumnarTombstones issues the row-sink DDL tombstones a configured
// columnar analytics sink expects instead of (or alongside) plain row
// deletes (spec.md §4.3, §6.4). posthog_persondistinctid has no uuid
// column of its own, so its tombstone is keyed by the owning person's
// uuid — the same key the event rows carry for that person's distinct
// ids — rather than by a per-row identifier. Run after the relational
// commit has already succeeded; a failure here does not roll back the
// relational delete, since the columnar sink is a best-effort mirror, not
// the system of record (spec.md §5).
func (s *Store) deleteColumnarTombstones(ctx context.Context, person *model.Person) error {
	if _, err := s.columnar.ExecContext(ctx, "personstore.delete_columnar_person",
		`ALTER TABLE posthog_person DELETE WHERE uuid = ?`, person.UUID.String(),
	); err != nil {
		return ingesterr.NewTransientStorage(fmt.Errorf("columnar tombstone person %d: %w", person.ID, err))
	}
	if _, err := s.columnar.ExecContext(ctx, "personstore.delete_columnar_distinct_id",
		`ALTER TABLE posthog_persondistinctid DELETE WHERE person_uuid = ?`, person.UUID.String(),
	); err != nil {
		return ingesterr.NewTransientStorage(fmt.Errorf("columnar tombstone distinct ids for person %d: %w", person.ID, err))
	}
	return nil
}

// IncrementProperties applies a numeric delta to each named property in
// one transaction via SQLite's JSON1 functions, returning the resulting
// full properties map (spec.md §4.5 step 3: "atomic SQL jsonb increment
// per key; capture result row's properties"). Keys absent from the
// existing properties start from 0. Queues a person-topic message after
// commit like Update does.
func (s *Store) IncrementProperties(ctx context.Context, person *model.Person, increments map[string]float64) (model.Properties, error) {
	if len(increments) == 0 {
		return person.Properties, nil
	}

	var propsJSON string
	err := s.rel.Transaction(ctx, func(tx *sql.Tx) error {
		for key, delta := range increments {
			path := "$." + key
			if _, err := tx.ExecContext(ctx, `
				UPDATE posthog_person
				SET properties = json_set(properties, ?, COALESCE(json_extract(properties, ?), 0) + ?)
				WHERE id = ?
			`, path, path, delta, person.ID); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, `SELECT properties FROM posthog_person WHERE id = ?`, person.ID).Scan(&propsJSON)
	})
	if err != nil {
		return nil, ingesterr.NewTransientStorage(fmt.Errorf("increment properties for person %d: %w", person.ID, err))
	}

	var newProps model.Properties
	if err := json.Unmarshal([]byte(propsJSON), &newProps); err != nil {
		return nil, ingesterr.NewTransientStorage(fmt.Errorf("unmarshal incremented properties: %w", err))
	}

	updated := *person
	updated.Properties = newProps
	s.queuePersonMessage(ctx, &updated)
	return newProps, nil
}

func (s *Store) queuePersonMessage(ctx context.Context, person *model.Person) {
	if s.producer == nil {
		return
	}
	payload, err := json.Marshal(person)
	if err != nil {
		return
	}
	_ = s.producer.Queue(ctx, s.personTopic, storage.Message{
		Key:   []byte(person.UUID.String()),
		Value: payload,
	})
}

func (s *Store) queueDistinctIDMessage(ctx context.Context, personUUID uuid.UUID, distinctID string) {
	if s.producer == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"person_uuid": personUUID.String(),
		"distinct_id": distinctID,
	})
	if err != nil {
		return
	}
	_ = s.producer.Queue(ctx, s.personTopic, storage.Message{
		Key:   []byte(distinctID),
		Value: payload,
	})
}

func scanPerson(row *sql.Row) (*model.Person, error) {
	var p model.Person
	var uuidStr, props string
	var isUserID sql.NullInt64
	if err := row.Scan(&p.ID, &uuidStr, &p.TeamID, &p.CreatedAt, &props, &p.IsIdentified, &isUserID); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("parse person uuid %q: %w", uuidStr, err)
	}
	p.UUID = parsed
	if err := json.Unmarshal([]byte(props), &p.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal person properties: %w", err)
	}
	if isUserID.Valid {
		v := isUserID.Int64
		p.IsUserID = &v
	}
	return &p, nil
}
