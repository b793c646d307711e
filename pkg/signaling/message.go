// Package signaling implements the websocket signaling protocol: one persistent
// connection per client carrying JSON request/acknowledgement envelopes plus
// server-initiated pushes.
package signaling

import "encoding/json"

// Envelope is the wire frame for every message in both directions. Requests
// carry a client-chosen correlation id; the acknowledgement echoes it.
// Pushes carry no id.
type Envelope struct {
	ID    int64           `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Client→server message types.
const (
	TypeJoin               = "join"
	TypeGetRTPCapabilities = "getRtpCapabilities"
	TypeCreateTransport    = "createTransport"
	TypeConnectTransport   = "connectTransport"
	TypeProduce            = "produce"
	TypeConsume            = "consume"
	TypeResumeConsumer     = "resumeConsumer"
	TypeMessage            = "message"
)

// Request payloads.

type CreateTransportRequest struct {
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"`
}

type ConnectTransportRequest struct {
	SessionID      string          `json:"sessionId"`
	Direction      string          `json:"direction"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type ProduceRequest struct {
	SessionID     string          `json:"sessionId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type ConsumeRequest struct {
	SessionID       string          `json:"sessionId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ResumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

// Acknowledgement payloads not covered by engine types.

type ProduceResponse struct {
	ID string `json:"id"`
}
