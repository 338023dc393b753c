// Package storage defines the storage-adapter contracts the ingestion core
// depends on (spec.md §6.4) and a SQLite-backed relational implementation,
// a Kafka-backed log producer, and in-memory fakes for tests — the core
// itself never imports a specific driver outside this package.
package storage

import (
	"context"
	"database/sql"
	"time"
)

// Relational is the contract for the relational pool (spec.md §6.4). Every
// relational read and write the core performs goes through this
// interface; the SQL text callers pass to it is written in SQLite's
// dialect (? placeholders, JSON1 functions).
type Relational interface {
	QueryContext(ctx context.Context, tag, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, tag, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, tag, query string, args ...any) (sql.Result, error)
	Transaction(ctx context.Context, fn func(*sql.Tx) error) error
	IsUniqueViolation(err error) bool
	// IsForeignKeyViolation recognizes a failed FK constraint, the signal
	// the person-merge protocol relies on to detect that a distinct-id row
	// arrived on the losing person between move and delete (spec.md §4.2
	// scenario S5).
	IsForeignKeyViolation(err error) bool
	Close() error
}

// Message is a single log-sink message (spec.md §6.1/§6.4): an optional
// partition key and an opaque value.
type Message struct {
	Key   []byte
	Value []byte
}

// LogProducer is the contract for the partitioned message log (spec.md
// §6.4). Queue is expected to be goroutine-safe and to batch/ack
// asynchronously; the core never blocks a relational transaction on it
// (spec.md §5 — "Log-sink publication is never in the same transaction as
// the relational write").
type LogProducer interface {
	Queue(ctx context.Context, topic string, messages ...Message) error
	Close() error
}

// Cache is the contract for the shared, short-TTL cache (spec.md §6.4)
// backing the Team Cache and the Person Manager's negative cache. Races
// between concurrent Get/Set are permitted by design (spec.md §5): worst
// case is a duplicate create attempt, absorbed by a unique constraint.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
