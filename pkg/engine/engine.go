// Package engine defines the contract with the media-routing engine that
// forwards RTP between paired clients. The pairing core only ever talks to
// the engine through this interface; every call may fail and every call is a
// suspension point for the caller's event processing.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// Kind identifies the media kind of a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is one of the supported media kinds.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

var (
	// ErrTransportNotFound is returned for operations on a transport id the
	// engine does not know (never created, or already closed).
	ErrTransportNotFound = errors.New("engine: transport not found")

	// ErrProducerNotFound is returned when consuming a producer id the
	// engine does not know.
	ErrProducerNotFound = errors.New("engine: producer not found")

	// ErrCannotConsume is returned by Consume when the consumer's RTP
	// capabilities are incompatible with the producer's codec. This is a
	// negotiation outcome, not a fault.
	ErrCannotConsume = errors.New("engine: cannot consume")
)

// TransportInfo carries everything a remote client needs to establish
// connectivity with a freshly created transport.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// ConsumerInfo describes a consumer created by Consume, in the shape the
// remote client needs to start receiving the bound producer's media.
type ConsumerInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          Kind            `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// Engine is the asynchronous media-routing service. Parameter blobs
// (capabilities, DTLS parameters, RTP parameters) are opaque to callers and
// flow between the engine and the remote clients unchanged.
//
// Close* calls release engine-side objects and are idempotent; closing a
// transport closes every producer and consumer riding on it.
type Engine interface {
	RTPCapabilities(ctx context.Context) (json.RawMessage, error)

	CreateTransport(ctx context.Context) (*TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error

	Produce(ctx context.Context, transportID string, kind Kind, rtpParameters json.RawMessage) (producerID string, err error)

	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, consumerID string) error

	CloseTransport(transportID string)
	CloseProducer(producerID string)
	CloseConsumer(consumerID string)

	Close() error
}
