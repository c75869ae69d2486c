package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/util"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	sendBufferSize = 256
	maxFrameSize   = 64 * 1024
)

// client is one WebSocket connection to the relay.
type client struct {
	id       string
	deviceID string // token subject, empty when auth is disabled
	conn     *websocket.Conn
	hub      *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id, deviceID string, conn *websocket.Conn, hub *Hub) *client {
	return &client{
		id:       id,
		deviceID: deviceID,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// enqueue queues data without blocking; it reports false on overflow.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) reply(f signaling.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.removeClient(c)
		c.conn.Close()
	})
}

// mayPublish reports whether an authenticated client is the origin of msg.
// Unauthenticated relays accept any message.
func (c *client) mayPublish(raw json.RawMessage) bool {
	if c.deviceID == "" {
		return true
	}
	var msg signaling.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	return msg.Origin() == c.deviceID
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogDebug("relay: client %s read error: %v", c.id, err)
			}
			return
		}

		var f signaling.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.reply(signaling.Frame{Op: signaling.OpError, Error: "malformed frame"})
			continue
		}

		switch f.Op {
		case signaling.OpSubscribe:
			if !c.hub.subscribe(c, f.Topic) {
				c.reply(signaling.Frame{Op: signaling.OpError, Topic: f.Topic, Error: "subscription not allowed"})
			}
		case signaling.OpUnsubscribe:
			c.hub.unsubscribe(c, f.Topic)
		case signaling.OpPublish:
			if f.Topic == "" || len(f.Message) == 0 {
				c.reply(signaling.Frame{Op: signaling.OpError, Topic: f.Topic, Error: "publish requires topic and message"})
				continue
			}
			if !c.mayPublish(f.Message) {
				c.reply(signaling.Frame{Op: signaling.OpError, Topic: f.Topic, Error: "sender does not match token"})
				continue
			}
			out, err := json.Marshal(signaling.Frame{Op: signaling.OpMessage, Topic: f.Topic, Message: f.Message})
			if err != nil {
				continue
			}
			c.hub.publish(f.Topic, out)
		default:
			c.reply(signaling.Frame{Op: signaling.OpError, Error: "unknown op " + f.Op})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogDebug("relay: client %s write error: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
