package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pdrop/internal/util"
)

// Frame ops exchanged with the relay.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpMessage     = "message"
	OpError       = "error"
)

// Frame is the envelope spoken between WSBus and the relay. The relay never
// inspects Message.
type Frame struct {
	Op      string          `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WSBus is a Bus backed by a WebSocket connection to the relay server.
type WSBus struct {
	conn *websocket.Conn
	wmu  sync.Mutex // serializes writes

	mu     sync.Mutex
	topics map[string]map[uint64]*queue
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to the relay at url. When token is non-empty it is sent as
// a bearer token.
func DialWS(ctx context.Context, url, token string) (*WSBus, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	b := &WSBus{
		conn:   conn,
		topics: make(map[string]map[uint64]*queue),
		done:   make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go b.readLoop()
	go b.pingLoop()

	return b, nil
}

// write sends a frame to the relay, guarded by a mutex.
func (b *WSBus) write(f Frame) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return b.conn.WriteJSON(f)
}

func (b *WSBus) readLoop() {
	defer b.shutdown()

	for {
		var f Frame
		if err := b.conn.ReadJSON(&f); err != nil {
			select {
			case <-b.done:
			default:
				util.LogWarning("relay read failed: %v", err)
			}
			return
		}

		switch f.Op {
		case OpMessage:
			var msg Message
			if err := json.Unmarshal(f.Message, &msg); err != nil {
				util.LogDebug("dropping undecodable relay message on %s: %v", f.Topic, err)
				continue
			}
			b.dispatch(f.Topic, msg)
		case OpError:
			util.LogWarning("relay rejected request on %s: %s", f.Topic, f.Error)
		}
	}
}

func (b *WSBus) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.wmu.Lock()
			err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			b.wmu.Unlock()
			if err != nil {
				return
			}
		case <-b.done:
			return
		}
	}
}

func (b *WSBus) dispatch(topic string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.topics[topic] {
		q.push(msg)
	}
}

// Publish sends msg to every relay subscriber of topic.
func (b *WSBus) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	if err := b.write(Frame{Op: OpPublish, Topic: topic, Message: data}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h on topic. The relay is asked to subscribe only for the
// first local handler of a topic.
func (b *WSBus) Subscribe(topic string, h Handler) (Subscription, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	first := len(b.topics[topic]) == 0
	if first {
		b.topics[topic] = make(map[uint64]*queue)
	}
	b.nextID++
	id := b.nextID
	q := newQueue(topic, h)
	b.topics[topic][id] = q
	b.mu.Unlock()

	if first {
		if err := b.write(Frame{Op: OpSubscribe, Topic: topic}); err != nil {
			b.remove(topic, id)
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	}

	return &wsSub{bus: b, topic: topic, id: id}, nil
}

// remove drops a local handler and reports whether it was the last one.
func (b *WSBus) remove(topic string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.topics[topic][id]
	if !ok {
		return false
	}
	q.stop()
	delete(b.topics[topic], id)
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
		return true
	}
	return false
}

type wsSub struct {
	bus   *WSBus
	topic string
	id    uint64
	once  sync.Once
}

func (s *wsSub) Unsubscribe() {
	s.once.Do(func() {
		if s.bus.remove(s.topic, s.id) {
			select {
			case <-s.bus.done:
			default:
				if err := s.bus.write(Frame{Op: OpUnsubscribe, Topic: s.topic}); err != nil {
					util.LogDebug("unsubscribe from %s failed: %v", s.topic, err)
				}
			}
		}
	})
}

func (b *WSBus) shutdown() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		for topic, qs := range b.topics {
			for _, q := range qs {
				q.stop()
			}
			delete(b.topics, topic)
		}
		b.mu.Unlock()
	})
}

// Close sends a close frame and tears down the connection.
func (b *WSBus) Close() error {
	select {
	case <-b.done:
		return nil
	default:
	}
	b.shutdown()

	b.wmu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	b.wmu.Unlock()
	return b.conn.Close()
}
