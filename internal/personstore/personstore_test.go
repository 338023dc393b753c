package personstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/posthog/ingest-core/internal/ingesterr"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/storage"
)

// fakeColumnar is a storage.Relational double that only records the SQL it
// was asked to issue, standing in for a real columnar analytics client in
// tests (spec.md §6.4).
type fakeColumnar struct {
	storage.Relational
	execs []string
	args  [][]any
}

func (f *fakeColumnar) ExecContext(ctx context.Context, tag, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	f.args = append(f.args, args)
	return nil, nil
}

func newTestStore(t *testing.T) (*Store, *storage.SQLiteRelational, *storage.MemoryLogProducer) {
	t.Helper()
	rel, err := storage.OpenSQLite("file::memory:?cache=shared&mode=memory")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { rel.Close() })
	producer := storage.NewMemoryLogProducer()
	return New(rel, producer, "person"), rel, producer
}

func TestCreateAndFetch(t *testing.T) {
	s, _, producer := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pid := uuid.New()

	person, err := s.Create(ctx, now, model.Properties{"a": 1.0}, 1, nil, false, pid, []string{"d1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if person.ID == 0 {
		t.Fatal("expected nonzero person id")
	}

	fetched, err := s.Fetch(ctx, 1, "d1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected a person")
	}
	if fetched.UUID != pid {
		t.Fatalf("uuid mismatch: got %s want %s", fetched.UUID, pid)
	}

	if len(producer.Messages("person")) != 2 {
		t.Fatalf("expected 2 queued messages (person + distinct-id), got %d", len(producer.Messages("person")))
	}
}

func TestIncrementProperties(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	person, err := s.Create(ctx, time.Now(), model.Properties{"visits": 2.0}, 1, nil, false, uuid.New(), []string{"d1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newProps, err := s.IncrementProperties(ctx, person, map[string]float64{"visits": 3, "new_counter": 1})
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if newProps["visits"] != 5.0 {
		t.Fatalf("expected visits=5, got %v", newProps["visits"])
	}
	if newProps["new_counter"] != 1.0 {
		t.Fatalf("expected new_counter=1, got %v", newProps["new_counter"])
	}
}

func TestFetchMissingReturnsNilNotError(t *testing.T) {
	s, _, _ := newTestStore(t)
	person, err := s.Fetch(context.Background(), 1, "nope")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if person != nil {
		t.Fatal("expected nil person for unknown distinct id")
	}
}

func TestCreateDuplicateDistinctIDIsRaceCondition(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.Create(ctx, now, model.Properties{}, 1, nil, false, uuid.New(), []string{"d1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := s.Create(ctx, now, model.Properties{}, 1, nil, false, uuid.New(), []string{"d1"})
	if err == nil {
		t.Fatal("expected race condition error")
	}
	var raceErr *ingesterr.RaceConditionError
	if !errors.As(err, &raceErr) {
		t.Fatalf("expected RaceConditionError, got %T: %v", err, err)
	}
}

func TestMoveThenDeleteSucceedsWithNoConcurrentAddition(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	other, err := s.Create(ctx, now, model.Properties{}, 1, nil, false, uuid.New(), []string{"a"})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	into, err := s.Create(ctx, now, model.Properties{}, 1, nil, false, uuid.New(), []string{"b"})
	if err != nil {
		t.Fatalf("create into: %v", err)
	}

	known, err := s.DistinctIDsFor(ctx, other.ID)
	if err != nil {
		t.Fatalf("distinct ids for: %v", err)
	}
	if len(known) != 1 {
		t.Fatalf("expected 1 known distinct id, got %d", len(known))
	}

	if err := s.MoveDistinctIDs(ctx, known, other, into); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := s.Delete(ctx, other, known); err != nil {
		t.Fatalf("delete: %v", err)
	}

	moved, err := s.Fetch(ctx, 1, "a")
	if err != nil {
		t.Fatalf("fetch moved: %v", err)
	}
	if moved == nil || moved.ID != into.ID {
		t.Fatalf("expected distinct id 'a' to now belong to into person, got %+v", moved)
	}
}

func TestDeleteFailsWhenDistinctIDAddedConcurrently(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	other, err := s.Create(ctx, now, model.Properties{}, 1, nil, false, uuid.New(), []string{"a"})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	into, err := s.Create(ctx, now, model.Properties{}, 1, nil, false, uuid.New(), []string{"b"})
	if err != nil {
		t.Fatalf("create into: %v", err)
	}

	known, err := s.DistinctIDsFor(ctx, other.ID)
	if err != nil {
		t.Fatalf("distinct ids for: %v", err)
	}
	if err := s.MoveDistinctIDs(ctx, known, other, into); err != nil {
		t.Fatalf("move: %v", err)
	}

	// Simulate a third worker attaching a new distinct-id to other between
	// move and delete (spec.md §4.2 scenario S5).
	if err := s.AddDistinctID(ctx, other, "x"); err != nil {
		t.Fatalf("concurrent add: %v", err)
	}

	err = s.Delete(ctx, other, known)
	if err == nil {
		t.Fatal("expected delete to fail due to the leftover distinct-id row")
	}
	var raceErr *ingesterr.RaceConditionError
	if !errors.As(err, &raceErr) {
		t.Fatalf("expected RaceConditionError, got %T: %v", err, err)
	}

	// The new distinct-id's second delete attempt, after re-moving it, succeeds.
	remaining, err := s.DistinctIDsFor(ctx, other.ID)
	if err != nil {
		t.Fatalf("distinct ids for after failed delete: %v", err)
	}
	if err := s.MoveDistinctIDs(ctx, remaining, other, into); err != nil {
		t.Fatalf("re-move: %v", err)
	}
	if err := s.Delete(ctx, other, append(known, remaining...)); err != nil {
		t.Fatalf("retry delete: %v", err)
	}
}

func TestDeleteIssuesColumnarTombstonesWhenConfigured(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	person, err := s.Create(ctx, now, model.Properties{}, 1, nil, false, uuid.New(), []string{"d1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	known, err := s.DistinctIDsFor(ctx, person.ID)
	if err != nil {
		t.Fatalf("distinct ids for: %v", err)
	}

	fake := &fakeColumnar{}
	s.Columnar(fake)

	if err := s.Delete(ctx, person, known); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(fake.execs) != 2 {
		t.Fatalf("expected 2 columnar execs, got %d: %v", len(fake.execs), fake.execs)
	}
	if fake.execs[0] != `ALTER TABLE posthog_person DELETE WHERE uuid = ?` {
		t.Fatalf("unexpected person tombstone SQL: %s", fake.execs[0])
	}
	if fake.args[0][0] != person.UUID.String() {
		t.Fatalf("expected person tombstone keyed by uuid %s, got %v", person.UUID, fake.args[0][0])
	}
	if fake.execs[1] != `ALTER TABLE posthog_persondistinctid DELETE WHERE person_uuid = ?` {
		t.Fatalf("unexpected distinct-id tombstone SQL: %s", fake.execs[1])
	}
	if fake.args[1][0] != person.UUID.String() {
		t.Fatalf("expected distinct-id tombstone keyed by owning person's uuid %s, got %v", person.UUID, fake.args[1][0])
	}

	remaining, err := s.Fetch(ctx, 1, "d1")
	if err != nil {
		t.Fatalf("fetch after delete: %v", err)
	}
	if remaining != nil {
		t.Fatalf("expected relational delete to still have gone through, got %+v", remaining)
	}
}
