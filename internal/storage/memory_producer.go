package storage

import (
	"context"
	"sync"
)

// MemoryLogProducer is an in-process LogProducer used in tests (with no
// Kafka brokers configured, cmd/ingestd opens no producer at all and
// writes to the row sink), mirroring the split the
// teacher keeps between its KafkaConsumer and ChannelConsumer
// (internal/group/kafka_consumer.go) and the subscriber-callback shape of
// its MessageBus (internal/bus/bus.go).
type MemoryLogProducer struct {
	mu       sync.Mutex
	messages map[string][]Message
	subs     map[string][]func(Message)
	closed   bool
}

// NewMemoryLogProducer creates an empty in-memory producer.
func NewMemoryLogProducer() *MemoryLogProducer {
	return &MemoryLogProducer{
		messages: make(map[string][]Message),
		subs:     make(map[string][]func(Message)),
	}
}

// Queue appends messages to topic's in-memory log and fans them out to any
// subscribers registered via Subscribe.
func (p *MemoryLogProducer) Queue(ctx context.Context, topic string, messages ...Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.messages[topic] = append(p.messages[topic], messages...)
	for _, cb := range p.subs[topic] {
		for _, m := range messages {
			cb(m)
		}
	}
	return nil
}

// Subscribe registers a callback invoked for every message queued to topic
// from this point forward.
func (p *MemoryLogProducer) Subscribe(topic string, callback func(Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[topic] = append(p.subs[topic], callback)
}

// Messages returns a snapshot of everything queued to topic so far, for
// test assertions.
func (p *MemoryLogProducer) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages[topic]))
	copy(out, p.messages[topic])
	return out
}

// Close marks the producer closed; subsequent Queue calls are no-ops.
func (p *MemoryLogProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
