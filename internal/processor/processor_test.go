package processor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/posthog/ingest-core/internal/emitter"
	"github.com/posthog/ingest-core/internal/identityresolver"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/personmanager"
	"github.com/posthog/ingest-core/internal/personstore"
	"github.com/posthog/ingest-core/internal/storage"
	"github.com/posthog/ingest-core/internal/teamcache"
)

func newTestProcessor(t *testing.T) (*Processor, *personstore.Store) {
	t.Helper()
	rel, err := storage.OpenSQLite("file::memory:?cache=shared&mode=memory")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { rel.Close() })
	if _, err := rel.ExecContext(context.Background(), "test.seed_team", `
		INSERT INTO posthog_team (id, anonymize_ips) VALUES (1, 0)
	`); err != nil {
		t.Fatalf("seed team: %v", err)
	}

	store := personstore.New(rel, nil, "person")
	cache := storage.NewMemoryCache()
	persons := personmanager.New(store, cache, time.Minute)
	teams := teamcache.New(rel, time.Minute)
	em := emitter.New(rel, nil, teams, persons, store, "events", "session_recording_events")
	identity := identityresolver.New(store, identityresolver.DefaultMaxMergeAttempts, nil)

	return New(identity, em, 30*time.Second, nil), store
}

// TestProcessEventImplicitCreate covers scenario S1.
func TestProcessEventImplicitCreate(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()
	now := time.Now().UTC()
	eventUUID := uuid.New().String()

	err := p.ProcessEvent(ctx, Input{
		DistinctID: "d1",
		Data: model.PluginEvent{
			Event:      "$pageview",
			Properties: model.Properties{"$current_url": "https://example.com"},
		},
		TeamID:    1,
		Now:       now,
		EventUUID: eventUUID,
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}

	person, err := store.Fetch(ctx, 1, "d1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if person == nil {
		t.Fatal("expected implicit person creation")
	}
}

func TestProcessEventRejectsMalformedUUID(t *testing.T) {
	p, _ := newTestProcessor(t)
	err := p.ProcessEvent(context.Background(), Input{
		DistinctID: "d1",
		Data:       model.PluginEvent{Event: "$pageview", Properties: model.Properties{}},
		TeamID:     1,
		Now:        time.Now().UTC(),
		EventUUID:  "not-a-uuid",
	})
	if err == nil {
		t.Fatal("expected an error for a malformed event uuid")
	}
}

func TestProcessEventIdentifyDispatchesToIdentityResolver(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := p.ProcessEvent(ctx, Input{
		DistinctID: "d2",
		Data: model.PluginEvent{
			Event:      "$identify",
			Properties: model.Properties{"$anon_distinct_id": "anon-1"},
		},
		TeamID:    1,
		Now:       now,
		EventUUID: uuid.New().String(),
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}

	person, err := store.Fetch(ctx, 1, "d2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if person == nil || !person.IsIdentified {
		t.Fatalf("expected an identified person, got %+v", person)
	}
}

func TestProcessEventSnapshotSkipsCapture(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := p.ProcessEvent(ctx, Input{
		DistinctID: "d3",
		Data: model.PluginEvent{
			Event:      "$snapshot",
			Properties: model.Properties{"$session_id": "sess-3", "events": []any{"a"}},
		},
		TeamID:    1,
		Now:       now,
		EventUUID: uuid.New().String(),
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}

	person, err := store.Fetch(ctx, 1, "d3")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if person == nil {
		t.Fatal("expected $snapshot to still lazily create a person")
	}
}

func TestStatsRecordsPerTeamTiming(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := p.ProcessEvent(ctx, Input{
		DistinctID: "d4",
		Data:       model.PluginEvent{Event: "$pageview", Properties: model.Properties{}},
		TeamID:     1,
		Now:        now,
		EventUUID:  uuid.New().String(),
	}); err != nil {
		t.Fatalf("process event: %v", err)
	}

	snap := p.Stats()
	if snap["team.1.count"] != int64(1) {
		t.Fatalf("expected team.1.count == 1, got %+v", snap)
	}
}
