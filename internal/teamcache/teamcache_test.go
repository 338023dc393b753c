package teamcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/posthog/ingest-core/internal/ingesterr"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/storage"
)

func openTestStore(t *testing.T) *storage.SQLiteRelational {
	t.Helper()
	rel, err := storage.OpenSQLite("file::memory:?cache=shared&mode=memory")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { rel.Close() })
	return rel
}

func seedTeam(t *testing.T, rel *storage.SQLiteRelational, id int64, anonymize bool) {
	t.Helper()
	if _, err := rel.ExecContext(context.Background(), "seed", `
		INSERT INTO posthog_team (id, anonymize_ips) VALUES (?, ?)
	`, id, anonymize); err != nil {
		t.Fatalf("seed team: %v", err)
	}
}

func TestGetMissingTeamIsInvalidInput(t *testing.T) {
	rel := openTestStore(t)
	c := New(rel, time.Minute)

	_, err := c.Get(context.Background(), 999)
	if err == nil {
		t.Fatal("expected error for unknown team")
	}
	var invalid *ingesterr.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError, got %T: %v", err, err)
	}
}

func TestGetReadsThroughAndCaches(t *testing.T) {
	rel := openTestStore(t)
	seedTeam(t, rel, 1, true)
	c := New(rel, time.Minute)

	team, err := c.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if team.ID != 1 || !team.AnonymizeIPs {
		t.Fatalf("unexpected team: %+v", team)
	}

	// Mutate the row directly; a cached Get should not observe it.
	if _, err := rel.ExecContext(context.Background(), "mutate", `
		UPDATE posthog_team SET anonymize_ips = 0 WHERE id = 1
	`); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	team2, err := c.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}
	if !team2.AnonymizeIPs {
		t.Fatal("expected cached value to still report anonymize_ips=true")
	}

	c.Invalidate(1)
	team3, err := c.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get 3: %v", err)
	}
	if team3.AnonymizeIPs {
		t.Fatal("expected invalidated Get to read through to the updated row")
	}
}

func TestEnsureDefinitionsUpsertsOnceThenSkips(t *testing.T) {
	rel := openTestStore(t)
	seedTeam(t, rel, 1, false)
	c := New(rel, time.Minute)

	props := model.Properties{"color": "red", "size": "L"}
	if err := c.EnsureDefinitions(context.Background(), 1, "pageview", props); err != nil {
		t.Fatalf("ensure definitions: %v", err)
	}

	var eventCount int
	if err := rel.QueryRowContext(context.Background(), "count", `
		SELECT COUNT(*) FROM posthog_eventdefinition WHERE team_id = 1 AND name = 'pageview'
	`).Scan(&eventCount); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected 1 event definition row, got %d", eventCount)
	}

	var propCount int
	if err := rel.QueryRowContext(context.Background(), "count", `
		SELECT COUNT(*) FROM posthog_propertydefinition WHERE team_id = 1
	`).Scan(&propCount); err != nil {
		t.Fatalf("count props: %v", err)
	}
	if propCount != 2 {
		t.Fatalf("expected 2 property definition rows, got %d", propCount)
	}

	// Calling again with the same event/properties should be a cache hit
	// (no new rows, no error) rather than re-upserting.
	if err := c.EnsureDefinitions(context.Background(), 1, "pageview", props); err != nil {
		t.Fatalf("ensure definitions again: %v", err)
	}
}
