package test

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwire/pairwire/pkg/signaling"
)

// Client is a minimal signaling-protocol client for tests. Requests carry a
// correlation id from an atomic counter; the read loop routes acks to their
// waiting caller and everything without an id to the Pushes channel.
type Client struct {
	conn  *websocket.Conn
	msgID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan signaling.Envelope

	Pushes chan signaling.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the signaling server's websocket endpoint.
func Dial(url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan signaling.Envelope),
		Pushes:  make(chan signaling.Envelope, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Request sends one request and waits for its acknowledgement.
func (c *Client) Request(msgType string, data any) (signaling.Envelope, error) {
	env := signaling.Envelope{
		ID:   c.msgID.Add(1),
		Type: msgType,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return signaling.Envelope{}, err
		}
		env.Data = raw
	}

	replyCh := make(chan signaling.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = replyCh
	err := c.conn.WriteJSON(env)
	c.mu.Unlock()
	if err != nil {
		return signaling.Envelope{}, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-c.done:
		return signaling.Envelope{}, fmt.Errorf("connection closed waiting for %s ack", msgType)
	case <-time.After(5 * time.Second):
		return signaling.Envelope{}, fmt.Errorf("timeout waiting for %s ack", msgType)
	}
}

// WaitPush waits for the next push of the given type, discarding pushes of
// other types that arrive first.
func (c *Client) WaitPush(msgType string, timeout time.Duration) (signaling.Envelope, error) {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.Pushes:
			if env.Type == msgType {
				return env, nil
			}
		case <-c.done:
			return signaling.Envelope{}, fmt.Errorf("connection closed waiting for %s push", msgType)
		case <-deadline:
			return signaling.Envelope{}, fmt.Errorf("timeout waiting for %s push", msgType)
		}
	}
}

// Close tears the socket down, simulating a client disconnect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var env signaling.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		if env.ID != 0 {
			c.mu.Lock()
			replyCh, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				replyCh <- env
			}
			continue
		}
		select {
		case c.Pushes <- env:
		case <-c.done:
			return
		}
	}
}
