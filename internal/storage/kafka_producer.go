package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaLogProducer implements LogProducer using segmentio/kafka-go, mirroring
// the teacher's KafkaConsumer (internal/group/kafka_consumer.go) on the
// producer side: one *kafka.Writer per topic, created lazily and cached,
// so a deployment that only ever publishes to "events" never dials a
// connection for "session_recording_events".
type KafkaLogProducer struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaLogProducer creates a producer against the given broker list.
func NewKafkaLogProducer(brokers []string) *KafkaLogProducer {
	return &KafkaLogProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

func (p *KafkaLogProducer) writerFor(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	p.writers[topic] = w
	return w
}

// Queue publishes messages to topic, keyed per spec.md §6.3 (event uuid for
// canonical events, distinct-id/person uuid for identity messages). The
// writer batches and acks asynchronously (Async: true), matching the
// dual-sink rule that log-sink publication never blocks the relational
// transaction that precedes it (spec.md §5).
func (p *KafkaLogProducer) Queue(ctx context.Context, topic string, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}
	w := p.writerFor(topic)
	kmsgs := make([]kafka.Message, len(messages))
	for i, m := range messages {
		kmsgs[i] = kafka.Message{Key: m.Key, Value: m.Value}
	}
	if err := w.WriteMessages(ctx, kmsgs...); err != nil {
		return fmt.Errorf("queue to topic %s: %w", topic, err)
	}
	return nil
}

// Close closes every writer opened so far.
func (p *KafkaLogProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
