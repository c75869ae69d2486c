package signaling

import (
	"context"
	"errors"

	"github.com/1ureka/p2pdrop/internal/util"
)

// ErrClosed is returned by bus operations after Close.
var ErrClosed = errors.New("signaling bus closed")

// Handler consumes messages delivered on a topic. Delivery is at-least-once
// and best-effort, so handlers must tolerate duplicates.
type Handler func(Message)

// Subscription is returned by Subscribe; Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Bus is the publish/subscribe rendezvous used before a direct channel exists.
// Ordering is preserved per subscription but not across topics.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// queueSize bounds the per-subscription backlog; overflow drops messages.
const queueSize = 1024

// queue runs a handler on its own goroutine so that slow handlers never block
// the bus, while keeping per-subscription order.
type queue struct {
	topic   string
	handler Handler
	inbox   chan Message
	done    chan struct{}
	stopped chan struct{}
}

func newQueue(topic string, h Handler) *queue {
	q := &queue{
		topic:   topic,
		handler: h,
		inbox:   make(chan Message, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *queue) loop() {
	defer close(q.stopped)
	for {
		select {
		case msg := <-q.inbox:
			q.handler(msg)
		case <-q.done:
			return
		}
	}
}

// push enqueues without blocking.
func (q *queue) push(msg Message) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.inbox <- msg:
	default:
		util.LogWarning("signaling queue full on %s, dropping %s", q.topic, msg.Type)
	}
}

// stop must be called once.
func (q *queue) stop() {
	close(q.done)
}
