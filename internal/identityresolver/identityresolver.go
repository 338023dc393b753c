// Package identityresolver implements $identify / $create_alias /
// implicit-create semantics and the person-merge protocol (spec.md §4.2).
// It writes person and person-distinct-id state only through
// internal/personstore, so the transaction boundary and dual-sink
// publication stay in one place. It is not the only writer: the emitter
// also creates persons and updates their properties through the same store.
package identityresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/posthog/ingest-core/internal/ids"
	"github.com/posthog/ingest-core/internal/ingesterr"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/personstore"
)

// DefaultMaxMergeAttempts bounds the merge loop's database-error retries plus
// at most one alias-restart (spec.md §4.2, §7): "cap = MAX_MERGE_ATTEMPTS
// = 3 including prior attempts".
const DefaultMaxMergeAttempts = 3

// ErrorSink reports a swallowed error alongside the event that triggered
// it. The Event Processor supplies the implementation (spec.md §7:
// "every swallowed error is reported to the error sink with the
// offending event attached").
type ErrorSink func(err error, context string)

// Resolver is the identity resolver.
type Resolver struct {
	store            *personstore.Store
	maxMergeAttempts int
	errorSink        ErrorSink
}

// New constructs a Resolver. maxMergeAttempts <= 0 falls back to
// DefaultMaxMergeAttempts. errorSink may be nil (errors are then simply
// dropped after being swallowed, matching the "log, report, fall
// through" policy with no-op reporting).
func New(store *personstore.Store, maxMergeAttempts int, errorSink ErrorSink) *Resolver {
	if maxMergeAttempts <= 0 {
		maxMergeAttempts = DefaultMaxMergeAttempts
	}
	if errorSink == nil {
		errorSink = func(err error, context string) {}
	}
	return &Resolver{store: store, maxMergeAttempts: maxMergeAttempts, errorSink: errorSink}
}

// HandleIdentifyOrAlias dispatches $create_alias / $identify / any other
// event per spec.md §4.2. Identity-resolution failures are logged and
// swallowed by the caller (the Event Processor), not here — this method
// returns errors so the caller can choose; it never panics.
func (r *Resolver) HandleIdentifyOrAlias(ctx context.Context, eventName string, properties model.Properties, distinctID string, teamID int64) error {
	switch eventName {
	case "$create_alias":
		alias, _ := properties["alias"].(string)
		if alias == "" {
			return ingesterr.NewInvalidInput("$create_alias missing properties.alias")
		}
		return r.Alias(ctx, alias, distinctID, teamID, true, 0)
	case "$identify":
		if anon, ok := properties["$anon_distinct_id"].(string); ok && anon != "" {
			if err := r.Alias(ctx, anon, distinctID, teamID, true, 0); err != nil {
				return err
			}
		}
		return r.setIsIdentified(ctx, teamID, distinctID, true)
	default:
		return nil
	}
}

// setIsIdentified fetches the person for (teamID, distinctID), creating
// one with empty properties if absent, and marks it identified (spec.md
// §4.2 "set_is_identified").
func (r *Resolver) setIsIdentified(ctx context.Context, teamID int64, distinctID string, identified bool) error {
	person, err := r.store.Fetch(ctx, teamID, distinctID)
	if err != nil {
		return err
	}
	if person == nil {
		personUUID, err := ids.NewPersonUUID()
		if err != nil {
			return ingesterr.NewInvalidInput(fmt.Sprintf("generate person uuid: %v", err))
		}
		_, err = r.store.Create(ctx, time.Now().UTC(), model.Properties{}, teamID, nil, identified, personUUID, []string{distinctID})
		if err != nil {
			var race *ingesterr.RaceConditionError
			if errors.As(err, &race) {
				// A peer worker won the race; re-fetch to observe its state.
				_, err := r.store.Fetch(ctx, teamID, distinctID)
				return err
			}
			return err
		}
		return nil
	}
	if !person.IsIdentified {
		_, err := r.store.Update(ctx, person, person.Properties, &identified)
		return err
	}
	return nil
}

// Alias implements the core merge-entry protocol (spec.md §4.2). retry
// controls whether a single restart is allowed after absorbing a
// unique-violation; attempts is the merge-loop's running attempt count,
// carried across an alias restart triggered from within merge_people.
func (r *Resolver) Alias(ctx context.Context, prev, new string, teamID int64, retry bool, attempts int) error {
	if prev == new {
		return nil
	}

	p, err := r.store.Fetch(ctx, teamID, prev)
	if err != nil {
		return err
	}
	n, err := r.store.Fetch(ctx, teamID, new)
	if err != nil {
		return err
	}

	switch {
	case p != nil && n == nil:
		err := r.store.AddDistinctID(ctx, p, new)
		return r.absorbAttachRace(ctx, err, prev, new, teamID, retry)

	case p == nil && n != nil:
		err := r.store.AddDistinctID(ctx, n, prev)
		return r.absorbAttachRace(ctx, err, prev, new, teamID, retry)

	case p == nil && n == nil:
		personUUID, err := ids.NewPersonUUID()
		if err != nil {
			return ingesterr.NewInvalidInput(fmt.Sprintf("generate person uuid: %v", err))
		}
		_, err = r.store.Create(ctx, time.Now().UTC(), model.Properties{}, teamID, nil, false, personUUID, []string{prev, new})
		return r.absorbAttachRace(ctx, err, prev, new, teamID, retry)

	case p.ID == n.ID:
		return nil

	default:
		return r.mergePeople(ctx, n, p, prev, new, teamID, attempts)
	}
}

// absorbAttachRace implements the "On unique-violation: if retry, restart
// alias once (non-retrying) to re-observe state; else swallow" rule
// shared by all three attach-or-create branches of Alias (spec.md §4.2,
// Open Question 2: a second violation after the restart is swallowed and
// reported, not propagated).
func (r *Resolver) absorbAttachRace(ctx context.Context, err error, prev, new string, teamID int64, retry bool) error {
	if err == nil {
		return nil
	}
	var race *ingesterr.RaceConditionError
	if !errors.As(err, &race) {
		return err
	}
	if retry {
		if restartErr := r.Alias(ctx, prev, new, teamID, false, 0); restartErr != nil {
			var secondRace *ingesterr.RaceConditionError
			if errors.As(restartErr, &secondRace) {
				r.errorSink(restartErr, fmt.Sprintf("alias restart race for (%s, %s)", prev, new))
				return nil
			}
			return restartErr
		}
		return nil
	}
	r.errorSink(err, fmt.Sprintf("alias race for (%s, %s)", prev, new))
	return nil
}

// mergePeople is the hardest protocol in the system (spec.md §4.2). into
// survives; other is deleted. prevDistinctID/newDistinctID are the
// distinct-ids originally passed to Alias, needed to restart it if the
// move step detects a race.
func (r *Resolver) mergePeople(ctx context.Context, into, other *model.Person, prevDistinctID, newDistinctID string, teamID int64, attempts int) error {
	merged := model.Merge(other.Properties, into.Properties)
	firstSeen := into.CreatedAt
	if other.CreatedAt.Before(firstSeen) {
		firstSeen = other.CreatedAt
	}

	updated, err := r.store.UpdateCreatedAt(ctx, into, firstSeen, merged)
	if err != nil {
		return err
	}
	into = updated

	if err := r.store.ReassignCohorts(ctx, other.ID, into.ID); err != nil {
		return err
	}

	for attempts < r.maxMergeAttempts {
		known, err := r.store.DistinctIDsFor(ctx, other.ID)
		if err != nil {
			return err
		}

		if err := r.store.MoveDistinctIDs(ctx, known, other, into); err != nil {
			var race *ingesterr.RaceConditionError
			if errors.As(err, &race) {
				attempts++
				if attempts >= r.maxMergeAttempts {
					return err
				}
				slog.Warn("identityresolver: move race detected, restarting alias", "prev", prevDistinctID, "new", newDistinctID, "attempts", attempts)
				return r.Alias(ctx, prevDistinctID, newDistinctID, teamID, false, attempts)
			}
			return err
		}

		if err := r.store.Delete(ctx, other, known); err != nil {
			var race *ingesterr.RaceConditionError
			if errors.As(err, &race) {
				attempts++
				if attempts >= r.maxMergeAttempts {
					return err
				}
				// A distinct-id arrived on other concurrently; loop again
				// to re-snapshot, re-move, and re-delete it.
				continue
			}
			return err
		}
		return nil
	}

	return ingesterr.NewRaceCondition("merge_people exhausted retry budget")
}
