// Package queue implements an in-process, topic-based publish/consume bus
// with consumer-group offsets and lease-guarded exclusive consumption. It
// is a direct generalization of the teacher's internal/libs/queue.Queue,
// used here to carry notification_sink traffic from the orchestrator to
// the notification dispatcher (notify.QueueSink and notify.Dispatcher).
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tradecore/safetycore/internal/libs/lease"
)

var (
	ErrInvalidMessage     = errors.New("queue: invalid message")
	ErrNoMessageAvailable = errors.New("queue: no message available")
	ErrLeaseHeld          = errors.New("queue: must commit before consuming again")
)

const (
	defaultRetention = time.Hour
	cleanupInterval  = 30 * time.Second
	consumeLease     = 10 * time.Second
)

// Message is a single published item with an associated commit callback.
type Message struct {
	Topic   string
	GroupID string
	Offset  int64
	Data    interface{}

	expire time.Time
	commit func(topicName, groupID string, offset int64)
}

// Commit advances the consumer group's offset past this message and
// releases the topic's consume lease.
func (m *Message) Commit() error {
	if m == nil || m.commit == nil {
		return ErrInvalidMessage
	}
	m.commit(m.Topic, m.GroupID, m.Offset)
	m.commit = nil
	return nil
}

type consumerGroup struct {
	leases  map[string]*lease.Lease
	offsets map[string]int64
}

type topic struct {
	length int64
	table  map[int64]*Message
	mu     sync.Mutex
}

// Bus is an in-process message bus: topics are created lazily, each
// consumer group tracks its own offset per topic, and Consume enforces
// exactly one in-flight (uncommitted) read per (group, topic).
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	groups map[string]*consumerGroup
	quit   chan struct{}
	once   sync.Once
}

// New creates a bus and starts its background expiry sweep.
func New() *Bus {
	b := &Bus{
		topics: make(map[string]*topic),
		groups: make(map[string]*consumerGroup),
		quit:   make(chan struct{}),
	}
	go b.cleanupLoop()
	return b
}

func (b *Bus) getOrCreateTopic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &topic{table: make(map[int64]*Message)}
	b.topics[name] = t
	return t
}

func (b *Bus) getOrCreateGroup(groupID string) *consumerGroup {
	b.mu.Lock()
	defer b.mu.Unlock()

	if g, ok := b.groups[groupID]; ok {
		return g
	}
	g := &consumerGroup{
		leases:  make(map[string]*lease.Lease),
		offsets: make(map[string]int64),
	}
	b.groups[groupID] = g
	return g
}

// Publish appends data to topicName with the given retention, defaulting
// to defaultRetention when ttl <= 0.
func (b *Bus) Publish(ctx context.Context, topicName string, data interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultRetention
	}

	t := b.getOrCreateTopic(topicName)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.length++
	t.table[t.length] = &Message{
		Offset: t.length,
		Data:   data,
		expire: time.Now().Add(ttl),
	}
	return nil
}

// Consume returns the next unexpired message for groupID on topicName. A
// caller must Commit the returned message before consuming again for the
// same (group, topic) pair.
func (b *Bus) Consume(ctx context.Context, topicName, groupID string) (*Message, error) {
	t := b.getOrCreateTopic(topicName)
	g := b.getOrCreateGroup(groupID)

	b.mu.Lock()
	ls, ok := g.leases[topicName]
	if !ok {
		ls = lease.NewWithDuration(consumeLease)
		g.leases[topicName] = ls
	}
	b.mu.Unlock()

	if !ls.Try() {
		return nil, ErrLeaseHeld
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b.mu.Lock()
	offset := g.offsets[topicName] + 1
	b.mu.Unlock()

	for offset <= t.length {
		msg, ok := t.table[offset]
		if !ok || msg.expire.Before(time.Now()) {
			delete(t.table, offset)
			offset++
			b.mu.Lock()
			g.offsets[topicName] = offset - 1
			b.mu.Unlock()
			continue
		}

		msg.Topic = topicName
		msg.GroupID = groupID
		msg.commit = b.commit

		return msg, nil
	}

	ls.Release()
	return nil, ErrNoMessageAvailable
}

func (b *Bus) commit(topicName, groupID string, offset int64) {
	g := b.getOrCreateGroup(groupID)

	b.mu.Lock()
	g.offsets[topicName] = offset
	ls, ok := g.leases[topicName]
	b.mu.Unlock()

	if ok {
		ls.Release()
	}
}

func (b *Bus) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepExpired()
		case <-b.quit:
			return
		}
	}
}

func (b *Bus) sweepExpired() {
	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	now := time.Now()
	for _, t := range topics {
		t.mu.Lock()
		for offset, msg := range t.table {
			if msg.expire.Before(now) {
				delete(t.table, offset)
			}
		}
		t.mu.Unlock()
	}
}

// Close stops the background sweep. Idempotent.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.quit)
	})
}
