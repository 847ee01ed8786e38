// SPDX-License-Identifier: MIT

package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soundspan/listend/internal/listen/ports"
	"github.com/soundspan/listend/internal/log"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a socket may stay silent before it is dropped.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 25 * time.Second
	// maxMessageSize bounds inbound frames; queue payloads dominate.
	maxMessageSize = 64 << 10
	// sendBuffer is the per-socket outbound queue. A socket that cannot
	// drain it is a slow consumer and gets dropped.
	sendBuffer = 32
)

// client is one authenticated websocket.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string
	identity ports.Identity
	send     chan []byte

	closeOnce sync.Once

	mu      sync.Mutex
	groupID string
}

func (c *client) group() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupID
}

func (c *client) setGroup(groupID string) {
	c.mu.Lock()
	c.groupID = groupID
	c.mu.Unlock()
}

// enqueue queues a frame for delivery. Returns false when the socket's
// buffer is full; the caller then drops the client.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// sendJSON marshals and queues a frame, dropping the client on a full
// buffer so one stuck socket cannot stall the room.
func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error().Err(err).
			Str(log.FieldSocketID, c.id).
			Msg("frame marshal failed")
		return
	}
	if !c.enqueue(data) {
		c.hub.dropSlowClient(c)
	}
}

// readPump owns all reads on the connection. It dispatches request frames
// to the hub and tears the client down on exit.
func (c *client) readPump() {
	defer c.hub.disconnect(c)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).
					Str(log.FieldSocketID, c.id).
					Msg("socket read error")
			}
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendJSON(ack{ID: "", OK: false, Error: &wireError{
				Code:    codeInvalidInput,
				Message: "malformed frame",
			}})
			continue
		}
		c.hub.handle(c, req)
	}
}

// writePump owns all writes on the connection, interleaving queued frames
// with keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
