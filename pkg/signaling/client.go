package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwire/pairwire/pkg/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size; SDP-sized payloads fit comfortably.
	maxMessageSize = 64 * 1024

	// Outbound buffer. A client that backlogs this many signaling messages
	// is not draining its socket and gets disconnected.
	sendBuffer = 256
)

// Client wraps a single websocket connection. All writes go through the
// buffered send channel and a single writer goroutine; all reads happen in
// the reader goroutine.
type Client struct {
	conn    *websocket.Conn
	handler *Handler
	logger  *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// sessionConn is the pairing-core state for this socket, set on attach.
	sessionConn *session.Connection
}

func newClient(conn *websocket.Conn, handler *Handler, logger *slog.Logger) *Client {
	return &Client{
		conn:    conn,
		handler: handler,
		logger:  logger,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Push implements session.Pusher. It never blocks: if the outbound buffer is
// full the client is disconnected, which triggers full teardown via the read
// pump's exit path.
func (c *Client) Push(msgType string, data any) {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.logger.Error("failed to marshal push", "type", msgType, "error", err)
			return
		}
		env.Data = raw
	}
	c.enqueue(env)
}

// reply sends an acknowledgement envelope.
func (c *Client) reply(env Envelope) {
	c.enqueue(env)
}

func (c *Client) enqueue(env Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal envelope", "type", env.Type, "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, disconnecting client", "type", env.Type)
		c.close()
	}
}

// close forces both pumps to exit. Idempotent.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump reads envelopes from the socket and hands them to the handler.
// When it exits the connection is fully torn down.
func (c *Client) readPump() {
	defer func() {
		c.handler.disconnect(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn("malformed envelope", "error", err)
			continue
		}
		c.handler.handle(c, env)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
