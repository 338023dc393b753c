// Package processor implements the top-level per-event orchestration:
// sanitize → timestamp → identify → capture-or-snapshot → emit (spec.md
// §4.6). It is the seam the worker pool calls into once the plugin VM's
// transform step has already run.
package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/posthog/ingest-core/internal/emitter"
	"github.com/posthog/ingest-core/internal/identityresolver"
	"github.com/posthog/ingest-core/internal/ids"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/tsreconcile"
)

// ErrorSink reports a swallowed error alongside descriptive context
// (spec.md §7).
type ErrorSink func(err error, context string)

// Input is process_event's argument tuple (spec.md §4.6's signature
// "process_event(distinct_id, ip, site_url, data, team_id, now, sent_at,
// event_uuid)").
type Input struct {
	DistinctID string
	IP         *string
	SiteURL    string
	Data       model.PluginEvent
	TeamID     int64
	Now        time.Time
	SentAt     *time.Time
	EventUUID  string
}

// Processor is the Event Processor.
type Processor struct {
	identity  *identityresolver.Resolver
	emit      *emitter.Emitter
	watchdog  time.Duration
	errorSink ErrorSink
	stats     *stats
}

// New constructs a Processor. watchdogTimeout <= 0 falls back to 30s
// (spec.md §4.6's "30-second watchdog"). errorSink may be nil.
func New(identity *identityresolver.Resolver, emit *emitter.Emitter, watchdogTimeout time.Duration, errorSink ErrorSink) *Processor {
	if watchdogTimeout <= 0 {
		watchdogTimeout = 30 * time.Second
	}
	if errorSink == nil {
		errorSink = func(err error, context string) {}
	}
	return &Processor{identity: identity, emit: emit, watchdog: watchdogTimeout, errorSink: errorSink, stats: newStats()}
}

// ProcessEvent implements spec.md §4.6 steps 1-6. Identity-resolution
// failures are caught and reported, never propagated — the event itself
// must still be recorded. Emission failures propagate: the caller (the
// worker pool) decides whether that fails the task.
func (p *Processor) ProcessEvent(ctx context.Context, in Input) error {
	eventUUID, err := ids.Parse(in.EventUUID)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() { p.stats.record(in.TeamID, time.Since(start)) }()

	stop := p.watch("process_event", in.TeamID, in.Data.Event)
	defer stop()

	properties := mergeTopLevelSetFields(in.Data)

	personUUID, err := ids.NewPersonUUID()
	if err != nil {
		return err
	}

	timestamp := tsreconcile.Reconcile(in.Now, in.Data.Timestamp, in.SentAt, in.Data.OffsetMs)

	func() {
		stopInner := p.watch("identity_resolver", in.TeamID, in.Data.Event)
		defer stopInner()

		if err := p.identity.HandleIdentifyOrAlias(ctx, in.Data.Event, properties, in.DistinctID, in.TeamID); err != nil {
			p.errorSink(err, "identity resolution for event "+in.Data.Event)
		}
	}()

	if in.Data.Event == "$snapshot" {
		return p.captureSnapshot(ctx, in, eventUUID, personUUID, properties, timestamp)
	}
	return p.capture(ctx, in, eventUUID, personUUID, properties, timestamp)
}

func (p *Processor) capture(ctx context.Context, in Input, eventUUID, personUUID uuid.UUID, properties model.Properties, timestamp time.Time) error {
	_, err := p.emit.Capture(ctx, emitter.CaptureInput{
		EventUUID:  eventUUID,
		PersonUUID: personUUID,
		TeamID:     in.TeamID,
		DistinctID: in.DistinctID,
		EventName:  in.Data.Event,
		Properties: properties,
		IP:         in.IP,
		Timestamp:  timestamp,
		CreatedAt:  in.Now,
	})
	return err
}

func (p *Processor) captureSnapshot(ctx context.Context, in Input, eventUUID, personUUID uuid.UUID, properties model.Properties, timestamp time.Time) error {
	sessionID, _ := properties["$session_id"].(string)
	return p.emit.CaptureSnapshot(ctx, emitter.SnapshotInput{
		EventUUID:    eventUUID,
		PersonUUID:   personUUID,
		TeamID:       in.TeamID,
		DistinctID:   in.DistinctID,
		SessionID:    sessionID,
		IP:           in.IP,
		SnapshotData: properties,
		Timestamp:    timestamp,
		CreatedAt:    in.Now,
	})
}

// watch starts a log-only watchdog (spec.md §4.6: "logs a warning if
// exceeded but does not abort"). The returned stop function must be
// called once the guarded work finishes; it is a no-op if the watchdog
// already fired.
func (p *Processor) watch(op string, teamID int64, eventName string) func() {
	done := make(chan struct{})
	timer := time.AfterFunc(p.watchdog, func() {
		slog.Warn("processor: watchdog exceeded", "op", op, "team_id", teamID, "event", eventName, "timeout", p.watchdog)
	})
	go func() {
		<-done
		timer.Stop()
	}()
	return func() { close(done) }
}

// mergeTopLevelSetFields implements spec.md §4.6 step 1: merge the
// top-level $set/$set_once fields into properties.
func mergeTopLevelSetFields(data model.PluginEvent) model.Properties {
	properties := data.Properties.Clone()
	if len(data.SetOnce) > 0 {
		existing, _ := properties["$set_once"].(map[string]any)
		properties["$set_once"] = map[string]any(model.Merge(model.Properties(existing), data.SetOnce))
	}
	if len(data.Set) > 0 {
		existing, _ := properties["$set"].(map[string]any)
		properties["$set"] = map[string]any(model.Merge(model.Properties(existing), data.Set))
	}
	return properties
}

// Stats returns a point-in-time snapshot of processing-duration counters
// tagged by team (spec.md's ambient metrics hook — see SPEC_FULL.md §2).
func (p *Processor) Stats() map[string]any {
	return p.stats.snapshot()
}
