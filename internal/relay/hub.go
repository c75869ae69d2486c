// Package relay implements the signaling relay: a topic-based WebSocket
// fan-out that peers use to exchange connection-setup messages. The relay is
// payload agnostic and never sees file data.
package relay

import (
	"strings"
	"sync"

	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/util"
)

// deviceTopicPrefix is the shared prefix of per-device topics.
var deviceTopicPrefix = signaling.DeviceTopic("")

// Hub tracks which clients subscribe to which topics.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*client]struct{})}
}

// allowed reports whether c may subscribe to topic. Authenticated clients may
// only listen on their own device topic plus the shared topics.
func (h *Hub) allowed(c *client, topic string) bool {
	if topic == "" {
		return false
	}
	if c.deviceID == "" || !strings.HasPrefix(topic, deviceTopicPrefix) {
		return true
	}
	return topic == signaling.DeviceTopic(c.deviceID)
}

func (h *Hub) subscribe(c *client, topic string) bool {
	if !h.allowed(c, topic) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, topic)
}

func (h *Hub) removeLocked(c *client, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// removeClient drops c from every topic.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.topics {
		h.removeLocked(c, topic)
	}
}

// publish fans data out to every subscriber of topic and returns the number of
// clients it was queued for.
func (h *Hub) publish(topic string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.topics[topic] {
		if c.enqueue(data) {
			n++
		} else {
			util.LogWarning("relay: send buffer full for %s, dropping frame on %s", c.id, topic)
		}
	}
	return n
}

// Subscribers returns the number of clients listening on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
