// Package session implements the pairing core: the matchmaking queue, the
// per-pair session state machine and the transport/producer/consumer
// bookkeeping that correlates signaling requests with media-engine objects.
package session

import (
	"errors"

	"github.com/pairwire/pairwire/pkg/engine"
)

// State is a connection's position in its lifecycle.
type State int

const (
	// StateConnected: socket is up, no pairing requested yet.
	StateConnected State = iota
	// StateWaiting: in the matchmaking queue.
	StateWaiting
	// StatePaired: session assigned, no transport connected yet.
	StatePaired
	// StateActive: at least one transport connected.
	StateActive
	// StateClosed: terminal; all resources released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Protocol-level results surfaced to clients in error acks. The text is the
// wire error code.
var (
	ErrInvalidState          = errors.New("invalidState")
	ErrNoSession             = errors.New("noSession")
	ErrSessionMismatch       = errors.New("sessionMismatch")
	ErrTransportExists       = errors.New("transportExists")
	ErrTransportNotFound     = errors.New("transportNotFound")
	ErrTransportNotConnected = errors.New("transportNotConnected")
	ErrTransportConnected    = errors.New("transportAlreadyConnected")
	ErrUnknownProducer       = errors.New("unknownProducer")
	ErrDuplicateConsume      = errors.New("duplicateConsume")
	ErrCannotConsume         = errors.New("cannotConsume")

	// ErrConnectionClosed marks a result that arrived after the owning
	// connection's teardown began. It is never sent to the client; the
	// signaling layer discards the ack.
	ErrConnectionClosed = errors.New("connectionClosed")
)

// Pusher delivers server-initiated messages to one client. Implementations
// must not block: the coordinator pushes while holding its lock, and a
// client that cannot drain its buffer is disconnected by the signaling layer.
type Pusher interface {
	Push(msgType string, data any)
}

// Push message types.
const (
	PushWaiting             = "waiting"
	PushRoomReady           = "roomReady"
	PushNewProducer         = "newProducer"
	PushMessage             = "message"
	PushPartnerDisconnected = "partner-disconnected"
)

// Push payloads.
type (
	RoomReady   struct{ SessionID string `json:"sessionId"` }
	NewProducer struct{ ProducerID string `json:"producerId"` }
	ChatMessage struct{ Text string `json:"text"` }
)

// Connection is the server-side state for one client socket. All fields
// besides ID are guarded by the owning Coordinator's lock.
type Connection struct {
	ID string

	state      State
	gen        uint64 // teardown generation, bumped whenever transports are torn down
	session    *Session
	transports TransportPair
	pusher     Pusher
}

// Session is one paired call. It always has exactly two distinct members and
// is destroyed the instant either member disconnects.
type Session struct {
	ID        string
	members   [2]*Connection
	producers map[string]*ProducerRecord
}

// ProducerRecord maps a producer id to its owner within a session.
type ProducerRecord struct {
	ProducerID   string
	ConnectionID string
	Media        engine.Kind
}

// other returns the session member that is not c, or nil if c is not a
// member.
func (s *Session) other(c *Connection) *Connection {
	switch c {
	case s.members[0]:
		return s.members[1]
	case s.members[1]:
		return s.members[0]
	default:
		return nil
	}
}
