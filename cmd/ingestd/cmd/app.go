package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/posthog/ingest-core/internal/config"
	"github.com/posthog/ingest-core/internal/emitter"
	"github.com/posthog/ingest-core/internal/identityresolver"
	"github.com/posthog/ingest-core/internal/personmanager"
	"github.com/posthog/ingest-core/internal/personstore"
	"github.com/posthog/ingest-core/internal/processor"
	"github.com/posthog/ingest-core/internal/storage"
	"github.com/posthog/ingest-core/internal/teamcache"
	"github.com/posthog/ingest-core/internal/workerpool"
)

// app bundles the wired-up pipeline a cobra command drives; Close tears
// down the relational pool and, if one was opened, the log producer.
type app struct {
	pool      *workerpool.Pool
	processor *processor.Processor
	rel       storage.Relational
	producer  storage.LogProducer
}

func (a *app) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.pool.Close(shutdownCtx); err != nil {
		slog.Warn("ingestd: worker pool drain did not finish cleanly", "error", err)
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			slog.Warn("ingestd: log producer close failed", "error", err)
		}
	}
	if err := a.rel.Close(); err != nil {
		slog.Warn("ingestd: relational pool close failed", "error", err)
	}
}

// newApp opens storage, wires every component bottom-up (each one after
// the components it depends on), and constructs the worker pool that
// fronts all of it.
func newApp(cfg *config.Config) (*app, error) {
	rel, err := storage.OpenSQLite(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var producer storage.LogProducer
	if cfg.Kafka.Enabled() {
		producer = storage.NewKafkaLogProducer(cfg.Kafka.Brokers)
	}

	store := personstore.New(rel, producer, cfg.Kafka.PersonTopic)
	cache := storage.NewMemoryCache()
	persons := personmanager.New(store, cache, cfg.PersonManager.NegativeCacheTTL)
	teams := teamcache.New(rel, cfg.TeamCache.TTL)
	em := emitter.New(rel, producer, teams, persons, store, cfg.Kafka.EventsTopic, cfg.Kafka.SessionRecordingTopic)

	errorSink := func(err error, context string) {
		slog.Warn("ingestd: swallowed error", "context", context, "error", err)
	}
	identity := identityresolver.New(store, cfg.Processing.MaxMergeAttempts, identityresolver.ErrorSink(errorSink))
	proc := processor.New(identity, em, cfg.Processing.WatchdogTimeout, processor.ErrorSink(errorSink))

	pool := workerpool.New(cfg.Worker.Concurrency, cfg.Worker.TasksPerWorker, cfg.Worker.TaskTimeout, nil, proc)

	return &app{pool: pool, processor: proc, rel: rel, producer: producer}, nil
}
