// Package socket implements the Socket Hub: the chat namespace (room
// join/message/typing/presence relay) and the call namespace (queue-based
// anonymous pairing plus WebRTC signaling relay) that share one gorilla/
// websocket transport and the pub/sub fabric for cross-worker delivery
// (spec.md §4.F).
package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingEvery      = (pongWait * 9) / 10
	sendBufferSize = 32
)

// wsConnection is the subset of *websocket.Conn the Client depends on,
// narrowed so unit tests can substitute an in-memory fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// inbound is the wire shape of every client->server frame: a named event
// plus an arbitrary JSON payload, mirroring the event catalog in spec.md §6.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outbound is the wire shape of every server->client frame.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client wraps one websocket connection. It is shared by both namespaces;
// namespace-specific state (room membership, call-room mapping) lives in the
// namespace, keyed by Client.ID.
type Client struct {
	ID        string
	Namespace string // "chat" or "call", used for metrics labeling only

	conn wsConnection
	send chan []byte

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// newClient wraps conn for namespace ns, identified by id (the socket id —
// for anonymous callers this doubles as senderId, per spec.md §4.F).
func newClient(id, ns string, conn wsConnection) *Client {
	return &Client{ID: id, Namespace: ns, conn: conn, send: make(chan []byte, sendBufferSize)}
}

// Emit queues event/payload for delivery to this client. Safe to call from
// any goroutine, including from a pub/sub fan-out callback on another
// worker's behalf. Never blocks: a full or closed channel drops the frame,
// matching the pub/sub fabric's at-most-once delivery guarantee (spec §4.G).
func (c *Client) Emit(event string, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		logging.Warn(context.Background(), "socket: failed to marshal outbound frame")
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "socket: send buffer full, dropping frame")
	}
}

// Close shuts the connection down exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		c.conn.Close()
	})
}

// readPump decodes inbound frames and hands each to dispatch until the
// connection errors or closes. dispatch must never block for long: it runs
// on this goroutine.
func (c *Client) readPump(dispatch func(event string, data json.RawMessage), onDisconnect func()) {
	defer func() {
		onDisconnect()
		c.Close()
		metrics.ActiveSocketConnections.WithLabelValues(c.Namespace).Dec()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			metrics.SocketEventsTotal.WithLabelValues(c.Namespace, "unknown", "malformed").Inc()
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error(context.Background(), "socket: handler panicked, recovered")
					c.Emit("error", map[string]any{"message": "internal error"})
				}
			}()
			dispatch(msg.Event, msg.Data)
		}()
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with periodic pings, matching the teacher's priority/normal split
// minus the priority channel (this domain has no message class that must
// jump the queue ahead of signaling frames).
func (c *Client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
