package session

import "github.com/pairwire/pairwire/pkg/engine"

// Direction distinguishes the two transports of a pair.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// transportHandle is one engine transport owned by a connection.
type transportHandle struct {
	id        string
	connected bool
	// producers created on this transport (send side), by producer id.
	producers map[string]engine.Kind
	// consumers created on this transport (recv side), consumer id ->
	// producer id.
	consumers map[string]string
}

// TransportPair holds the at-most-one send and at-most-one receive transport
// of a connection, plus the set of producer ids the connection already
// consumes (dedup: each producer is consumed at most once per connection).
type TransportPair struct {
	send             *transportHandle
	recv             *transportHandle
	consumedProducer map[string]bool
}

func (tp *TransportPair) handle(d Direction) *transportHandle {
	if d == DirectionSend {
		return tp.send
	}
	return tp.recv
}

func (tp *TransportPair) setHandle(d Direction, h *transportHandle) {
	if d == DirectionSend {
		tp.send = h
	} else {
		tp.recv = h
	}
}

func newTransportHandle(id string) *transportHandle {
	return &transportHandle{
		id:        id,
		producers: make(map[string]engine.Kind),
		consumers: make(map[string]string),
	}
}
