// Package broker defines the opaque FIFO transport contract the Ingestion
// Layer (C9) and Result Publisher (C10) depend on, plus an in-memory double
// used by tests and local runs. The real broker deployment is out of scope;
// deployments bind their own adapter to these interfaces.
package broker

import (
	"context"
	"sync"
)

// Message is one opaque broker message: a topic, a partition key used to
// preserve per-key ordering, and a raw payload.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Payload   []byte
}

// Producer publishes a message to a topic. Implementations may be
// fire-and-forget or acknowledge-on-durable-write; DCAL's Result Publisher
// only requires at-least-once semantics.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Consumer pulls a bounded batch of messages from a topic and commits a
// processed offset. Commit is only called once a message has been
// successfully handed to the pipeline or definitively rejected.
type Consumer interface {
	Fetch(ctx context.Context, topic string, maxMessages int) ([]Message, error)
	Commit(ctx context.Context, topic string, partition int, offset int64) error
}

// InMemory is a single-process FIFO broker double satisfying both
// Producer and Consumer. Each topic is one ordered queue (partition 0);
// topic ACLs are the broker's concern, not DCAL's, and are not modeled.
type InMemory struct {
	mu      sync.Mutex
	topics  map[string][]Message
	offsets map[string]int64
	nextOff map[string]int64
}

// NewInMemory constructs an empty in-memory broker.
func NewInMemory() *InMemory {
	return &InMemory{
		topics:  make(map[string][]Message),
		offsets: make(map[string]int64),
		nextOff: make(map[string]int64),
	}
}

// Publish appends payload to topic's queue, assigning it the next
// monotonically increasing offset.
func (b *InMemory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := b.nextOff[topic]
	b.topics[topic] = append(b.topics[topic], Message{
		Topic: topic, Partition: 0, Offset: off, Key: key, Payload: payload,
	})
	b.nextOff[topic] = off + 1
	return nil
}

// Fetch returns up to maxMessages messages from topic starting at the last
// committed offset, without advancing the committed offset itself — that
// only happens on an explicit Commit call, matching the "commit only after
// successful handling" rule.
func (b *InMemory) Fetch(ctx context.Context, topic string, maxMessages int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	committed := b.offsets[topic]
	queue := b.topics[topic]
	var out []Message
	for _, m := range queue {
		if m.Offset < committed {
			continue
		}
		out = append(out, m)
		if len(out) >= maxMessages {
			break
		}
	}
	return out, nil
}

// Commit advances the committed offset for topic/partition to offset+1, so
// the next Fetch call never returns an already-processed message.
func (b *InMemory) Commit(ctx context.Context, topic string, partition int, offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset+1 > b.offsets[topic] {
		b.offsets[topic] = offset + 1
	}
	return nil
}

// Len reports how many unconsumed (uncommitted) messages remain queued for
// topic, used by tests and by the Degradation Manager's ingest-queue-depth
// health signal.
func (b *InMemory) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	committed := b.offsets[topic]
	n := 0
	for _, m := range b.topics[topic] {
		if m.Offset >= committed {
			n++
		}
	}
	return n
}
