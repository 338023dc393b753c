// Package teamcache implements the read-through, TTL-bounded cache of
// per-team config and event/property-definition sets (spec.md §2, §4.4
// step 5). It is the core's only reader of posthog_team and the sole
// gatekeeper deciding whether an event/property definition still needs
// upserting for a team.
package teamcache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/posthog/ingest-core/internal/ingesterr"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/storage"
)

type entry struct {
	team       model.Team
	seenEvents map[string]bool
	seenProps  map[string]bool
	expires    time.Time
}

// Cache is a per-process, read-mostly cache of team config, refreshed on
// miss and on explicit Invalidate (spec.md §5 "Team cache" resource policy).
type Cache struct {
	rel storage.Relational
	ttl time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
}

// New creates a team cache backed by rel with the given entry TTL.
func New(rel storage.Relational, ttl time.Duration) *Cache {
	return &Cache{
		rel:     rel,
		ttl:     ttl,
		entries: make(map[int64]*entry),
	}
}

// Get returns the team config for teamID, fetching from the relational
// store on a cache miss or expiry. Returns ingesterr.InvalidInputError if
// the team does not exist (spec.md §4.4 step 3: "fail if absent").
func (c *Cache) Get(ctx context.Context, teamID int64) (model.Team, error) {
	if e := c.lookup(teamID); e != nil {
		return e.team, nil
	}
	return c.refresh(ctx, teamID)
}

func (c *Cache) lookup(teamID int64) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[teamID]
	if !ok {
		return nil
	}
	if time.Now().After(e.expires) {
		delete(c.entries, teamID)
		return nil
	}
	return e
}

func (c *Cache) refresh(ctx context.Context, teamID int64) (model.Team, error) {
	row := c.rel.QueryRowContext(ctx, "teamcache.fetch",
		`SELECT id, anonymize_ips FROM posthog_team WHERE id = ?`, teamID)

	var team model.Team
	if err := row.Scan(&team.ID, &team.AnonymizeIPs); err != nil {
		if err == sql.ErrNoRows {
			return model.Team{}, ingesterr.NewInvalidInput(fmt.Sprintf("unknown team_id %d", teamID))
		}
		return model.Team{}, ingesterr.NewTransientStorage(fmt.Errorf("fetch team %d: %w", teamID, err))
	}

	c.mu.Lock()
	c.entries[teamID] = &entry{
		team:       team,
		seenEvents: make(map[string]bool),
		seenProps:  make(map[string]bool),
		expires:    time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
	return team, nil
}

// Invalidate drops any cached entry for teamID, forcing the next Get to
// read through to the relational store.
func (c *Cache) Invalidate(teamID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, teamID)
}

// EnsureDefinitions upserts event and property definitions for
// (teamID, eventName, properties) unless this cache has already observed
// them since the last refresh (spec.md §4.4 step 5). The definition set is
// an optimization only: a cache eviction simply re-upserts, which is
// idempotent by construction (ON CONFLICT DO UPDATE).
func (c *Cache) EnsureDefinitions(ctx context.Context, teamID int64, eventName string, properties model.Properties) error {
	c.mu.Lock()
	e, ok := c.entries[teamID]
	c.mu.Unlock()
	if !ok {
		if _, err := c.refresh(ctx, teamID); err != nil {
			return err
		}
		c.mu.Lock()
		e = c.entries[teamID]
		c.mu.Unlock()
	}

	c.mu.Lock()
	needEvent := !e.seenEvents[eventName]
	var needProps []string
	for k := range properties {
		if !e.seenProps[k] {
			needProps = append(needProps, k)
		}
	}
	c.mu.Unlock()

	if !needEvent && len(needProps) == 0 {
		return nil
	}

	err := c.rel.Transaction(ctx, func(tx *sql.Tx) error {
		if needEvent {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO posthog_eventdefinition (team_id, name, last_seen_at)
				VALUES (?, ?, datetime('now'))
				ON CONFLICT(team_id, name) DO UPDATE SET last_seen_at = excluded.last_seen_at
			`, teamID, eventName); err != nil {
				return err
			}
		}
		for _, name := range needProps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO posthog_propertydefinition (team_id, name, property_type)
				VALUES (?, ?, NULL)
				ON CONFLICT(team_id, name) DO NOTHING
			`, teamID, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ingesterr.NewTransientStorage(fmt.Errorf("upsert definitions for team %d: %w", teamID, err))
	}

	c.mu.Lock()
	if needEvent {
		e.seenEvents[eventName] = true
	}
	for _, name := range needProps {
		e.seenProps[name] = true
	}
	c.mu.Unlock()
	return nil
}
