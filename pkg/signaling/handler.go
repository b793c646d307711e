package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/pairwire/pairwire/pkg/engine"
	"github.com/pairwire/pairwire/pkg/session"
)

// Handler dispatches inbound protocol messages to the pairing coordinator
// and writes acknowledgements. It is the only component that touches both
// the wire envelopes and the coordinator.
type Handler struct {
	coord  *session.Coordinator
	logger *slog.Logger
	ctx    context.Context
}

// NewHandler creates a protocol handler. ctx bounds the lifetime of engine
// calls made on behalf of inbound messages.
func NewHandler(ctx context.Context, coord *session.Coordinator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{coord: coord, logger: logger, ctx: ctx}
}

// attach registers a freshly upgraded socket with the coordinator.
func (h *Handler) attach(c *Client) {
	c.sessionConn = h.coord.Register(c)
}

// disconnect tears down everything the socket owned.
func (h *Handler) disconnect(c *Client) {
	if c.sessionConn != nil {
		h.coord.Disconnect(c.sessionConn)
	}
}

// handle dispatches one inbound envelope. Messages that are invalid in the
// sender's current state are rejected with an error ack and reach neither
// the coordinator's tables nor the engine.
func (h *Handler) handle(c *Client, env Envelope) {
	conn := c.sessionConn

	switch env.Type {
	case TypeJoin:
		h.ack(c, env, nil, h.coord.Join(conn))

	case TypeGetRTPCapabilities:
		caps, err := h.coord.RTPCapabilities(h.ctx, conn)
		h.ack(c, env, caps, err)

	case TypeCreateTransport:
		var req CreateTransportRequest
		if !h.decode(c, env, &req) {
			return
		}
		info, err := h.coord.CreateTransport(h.ctx, conn, req.SessionID, direction(req.Direction))
		h.ack(c, env, info, err)

	case TypeConnectTransport:
		var req ConnectTransportRequest
		if !h.decode(c, env, &req) {
			return
		}
		err := h.coord.ConnectTransport(h.ctx, conn, req.SessionID, direction(req.Direction), req.DTLSParameters)
		h.ack(c, env, nil, err)

	case TypeProduce:
		var req ProduceRequest
		if !h.decode(c, env, &req) {
			return
		}
		producerID, err := h.coord.Produce(h.ctx, conn, req.SessionID, engine.Kind(req.Kind), req.RTPParameters)
		var resp any
		if err == nil {
			resp = ProduceResponse{ID: producerID}
		}
		h.ack(c, env, resp, err)

	case TypeConsume:
		var req ConsumeRequest
		if !h.decode(c, env, &req) {
			return
		}
		info, err := h.coord.Consume(h.ctx, conn, req.SessionID, req.ProducerID, req.RTPCapabilities)
		h.ack(c, env, info, err)

	case TypeResumeConsumer:
		var req ResumeConsumerRequest
		if !h.decode(c, env, &req) {
			return
		}
		h.ack(c, env, nil, h.coord.ResumeConsumer(h.ctx, conn, req.ConsumerID))

	case TypeMessage:
		var req ChatRequest
		if !h.decode(c, env, &req) {
			return
		}
		h.ack(c, env, nil, h.coord.Relay(conn, req.Text))

	default:
		h.logger.Warn("unknown message type", "type", env.Type)
		c.reply(Envelope{ID: env.ID, Type: env.Type, Error: "unknownMessageType"})
	}
}

// ack writes the acknowledgement for env. Results for connections whose
// teardown already began are discarded silently; the client is gone.
func (h *Handler) ack(c *Client, env Envelope, data any, err error) {
	if errors.Is(err, session.ErrConnectionClosed) {
		return
	}
	reply := Envelope{ID: env.ID, Type: env.Type}
	if err != nil {
		reply.Error = err.Error()
		c.reply(reply)
		return
	}
	if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			h.logger.Error("failed to marshal ack", "type", env.Type, "error", merr)
			reply.Error = "internalError"
			c.reply(reply)
			return
		}
		reply.Data = raw
	}
	c.reply(reply)
}

func (h *Handler) decode(c *Client, env Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		h.logger.Warn("malformed payload", "type", env.Type, "error", err)
		c.reply(Envelope{ID: env.ID, Type: env.Type, Error: "malformedPayload"})
		return false
	}
	return true
}

// direction maps the wire direction names onto the coordinator's. The wire
// uses "recv" but tolerates "receive".
func direction(d string) session.Direction {
	if d == "receive" {
		return session.DirectionRecv
	}
	return session.Direction(d)
}
