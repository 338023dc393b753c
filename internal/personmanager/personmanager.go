// Package personmanager implements the "is this distinct-id new?"
// predicate with a short-TTL negative cache, suppressing duplicate
// person-create attempts across concurrent workers (spec.md §2, §4.4
// step 6).
package personmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/posthog/ingest-core/internal/ingesterr"
	"github.com/posthog/ingest-core/internal/personstore"
	"github.com/posthog/ingest-core/internal/storage"
)

// Manager answers "has a person already been created for this
// (team_id, distinct_id)?" backed by store.Fetch on a cache miss.
type Manager struct {
	store *personstore.Store
	cache storage.Cache
	ttl   time.Duration
}

// New constructs a Manager. ttl is the negative-cache entry lifetime
// (config.PersonManagerConfig.NegativeCacheTTL).
func New(store *personstore.Store, cache storage.Cache, ttl time.Duration) *Manager {
	return &Manager{store: store, cache: cache, ttl: ttl}
}

func cacheKey(teamID int64, distinctID string) string {
	return fmt.Sprintf("person:exists:%d:%s", teamID, distinctID)
}

// IsNew reports whether no person is yet known to exist for
// (teamID, distinctID). A cache hit short-circuits to false without a
// database round trip; a cache miss falls through to store.Fetch and
// populates the cache on a hit. The cache is never populated on a miss —
// "new" must not be remembered, since the caller is about to attempt a
// create (spec.md's "create-or-refetch" lazy-creation design, §9).
func (m *Manager) IsNew(ctx context.Context, teamID int64, distinctID string) (bool, error) {
	key := cacheKey(teamID, distinctID)
	if _, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		return false, nil
	}

	person, err := m.store.Fetch(ctx, teamID, distinctID)
	if err != nil {
		return false, ingesterr.NewTransientStorage(fmt.Errorf("check distinct id existence: %w", err))
	}
	if person == nil {
		return true, nil
	}

	m.markSeen(ctx, teamID, distinctID)
	return false, nil
}

// MarkSeen records that a person now exists for (teamID, distinctID),
// called after a successful create or after absorbing a unique-violation
// that proved a peer worker won the race.
func (m *Manager) MarkSeen(ctx context.Context, teamID int64, distinctID string) {
	m.markSeen(ctx, teamID, distinctID)
}

func (m *Manager) markSeen(ctx context.Context, teamID int64, distinctID string) {
	_ = m.cache.Set(ctx, cacheKey(teamID, distinctID), []byte("1"), m.ttl)
}
