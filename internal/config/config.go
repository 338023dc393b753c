// Package config provides configuration types and loading for the ingest core.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Storage, Kafka, Worker, TeamCache, PersonManager, Processing.
type Config struct {
	Storage       StorageConfig       `json:"storage"`
	Kafka         KafkaConfig         `json:"kafka"`
	Worker        WorkerConfig        `json:"worker"`
	TeamCache     TeamCacheConfig     `json:"teamCache"`
	PersonManager PersonManagerConfig `json:"personManager"`
	Processing    ProcessingConfig    `json:"processing"`
}

// ---------------------------------------------------------------------------
// Storage – relational pool (row sink + person/identity state)
// ---------------------------------------------------------------------------

// StorageConfig configures the relational backend.
type StorageConfig struct {
	// DSN is a modernc.org/sqlite data source name, e.g. "file:/var/lib/ingest/core.db".
	// Use "file::memory:?cache=shared" for ephemeral/test deployments.
	DSN string `json:"dsn" envconfig:"STORAGE_DSN"`
}

// ---------------------------------------------------------------------------
// Kafka – log sink
// ---------------------------------------------------------------------------

// KafkaConfig configures the log-sink producer. When Brokers is empty the
// core falls back to the row sink (§6.4/§4.3 dual-sink rule).
type KafkaConfig struct {
	Brokers               []string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	EventsTopic           string   `json:"eventsTopic" envconfig:"KAFKA_EVENTS_TOPIC"`
	SessionRecordingTopic string   `json:"sessionRecordingTopic" envconfig:"KAFKA_SESSION_RECORDING_TOPIC"`
	PersonTopic           string   `json:"personTopic" envconfig:"KAFKA_PERSON_TOPIC"`
}

// Enabled reports whether a log producer should be constructed.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// ---------------------------------------------------------------------------
// Worker pool
// ---------------------------------------------------------------------------

// WorkerConfig configures the bounded-concurrency dispatcher (spec.md §4.7).
type WorkerConfig struct {
	Concurrency    int           `json:"concurrency" envconfig:"WORKER_CONCURRENCY"`
	TasksPerWorker int           `json:"tasksPerWorker" envconfig:"TASKS_PER_WORKER"`
	TaskTimeout    time.Duration `json:"taskTimeout" envconfig:"WORKER_TASK_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Team cache
// ---------------------------------------------------------------------------

// TeamCacheConfig configures the read-through team-config cache (spec.md §2).
type TeamCacheConfig struct {
	TTL time.Duration `json:"ttl" envconfig:"TEAM_CACHE_TTL"`
}

// ---------------------------------------------------------------------------
// Person manager
// ---------------------------------------------------------------------------

// PersonManagerConfig configures the short-TTL negative cache used to
// suppress duplicate person-create attempts across workers (spec.md §2).
type PersonManagerConfig struct {
	NegativeCacheTTL time.Duration `json:"negativeCacheTTL" envconfig:"PERSON_NEGATIVE_CACHE_TTL"`
}

// ---------------------------------------------------------------------------
// Processing
// ---------------------------------------------------------------------------

// ProcessingConfig configures orchestration-level knobs.
type ProcessingConfig struct {
	MaxMergeAttempts int           `json:"maxMergeAttempts" envconfig:"MAX_MERGE_ATTEMPTS"`
	WatchdogTimeout  time.Duration `json:"watchdogTimeout" envconfig:"WATCHDOG_TIMEOUT"`
}

// DefaultConfig returns sensible defaults matching spec.md's constants
// (MAX_MERGE_ATTEMPTS = 3, 30s watchdogs).
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DSN: "file:ingest-core.db",
		},
		Kafka: KafkaConfig{
			EventsTopic:           "events",
			SessionRecordingTopic: "session_recording_events",
			PersonTopic:           "person",
		},
		Worker: WorkerConfig{
			Concurrency:    4,
			TasksPerWorker: 10,
			TaskTimeout:    30 * time.Second,
		},
		TeamCache: TeamCacheConfig{
			TTL: 2 * time.Minute,
		},
		PersonManager: PersonManagerConfig{
			NegativeCacheTTL: 10 * time.Second,
		},
		Processing: ProcessingConfig{
			MaxMergeAttempts: 3,
			WatchdogTimeout:  30 * time.Second,
		},
	}
}
