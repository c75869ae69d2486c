package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus. Every published message goes through a
// JSON round trip, so subscribers see exactly what a network relay would
// deliver. It is used by tests and by single-process demos.
type MemoryBus struct {
	duplicates int

	mu     sync.RWMutex
	subs   map[string]map[uint64]*memorySub
	nextID uint64
	closed bool
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithDuplicates makes the bus deliver every message 1+n times, simulating
// relay redelivery.
func WithDuplicates(n int) MemoryOption {
	return func(b *MemoryBus) { b.duplicates = n }
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{subs: make(map[string]map[uint64]*memorySub)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type memorySub struct {
	bus  *MemoryBus
	id   uint64
	q    *queue
	once sync.Once
}

func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if topicSubs, ok := s.bus.subs[s.q.topic]; ok {
			delete(topicSubs, s.id)
			if len(topicSubs) == 0 {
				delete(s.bus.subs, s.q.topic)
			}
		}
		s.bus.mu.Unlock()
		s.q.stop()
	})
}

// Publish delivers msg to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs[topic] {
		for i := 0; i <= b.duplicates; i++ {
			var copied Message
			if err := json.Unmarshal(data, &copied); err != nil {
				return fmt.Errorf("unmarshal signaling message: %w", err)
			}
			sub.q.push(copied)
		}
	}
	return nil
}

// Subscribe registers h on topic.
func (b *MemoryBus) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &memorySub{bus: b, id: b.nextID, q: newQueue(topic, h)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*memorySub)
	}
	b.subs[topic][sub.id] = sub
	return sub, nil
}

// Close drops every subscription. Further operations return ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, topicSubs := range b.subs {
		for _, sub := range topicSubs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Unsubscribe()
	}
	return nil
}
