package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/p2pdrop/internal/util"
)

// DefaultRedisPrefix namespaces signaling channels inside Redis.
const DefaultRedisPrefix = "p2pdrop:"

// RedisBus is a Bus backed by Redis pub/sub. Each Subscribe opens its own
// PubSub so subscriptions can be torn down independently.
type RedisBus struct {
	client *redis.Client
	prefix string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// DialRedis connects to the Redis server at addr and verifies it with PING.
func DialRedis(ctx context.Context, addr, password string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBus(client, DefaultRedisPrefix), nil
}

// NewRedisBus wraps an existing client. The bus owns the client and closes it
// on Close.
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client: client,
		prefix: prefix,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*redisSub]struct{}),
	}
}

// Channel returns the Redis channel name for a topic.
func (b *RedisBus) Channel(topic string) string {
	return b.prefix + topic
}

// Publish sends msg on the Redis channel for topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a PubSub on topic and waits for the confirmation.
func (b *RedisBus) Subscribe(topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(b.ctx, b.Channel(topic))
	if _, err := ps.Receive(b.ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	sub := &redisSub{bus: b, ps: ps, q: newQueue(topic, h)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.loop()
	return sub, nil
}

// Close cancels every subscription and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	b.cancel()
	return b.client.Close()
}

type redisSub struct {
	bus  *RedisBus
	ps   *redis.PubSub
	q    *queue
	once sync.Once
}

func (s *redisSub) loop() {
	for m := range s.ps.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			util.LogDebug("dropping undecodable redis message on %s: %v", m.Channel, err)
			continue
		}
		s.q.push(msg)
	}
}

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.ps.Close()
		s.q.stop()
	})
}
