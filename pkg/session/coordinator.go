package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pairwire/pairwire/pkg/engine"
)

// Coordinator owns all shared pairing state: the waiting queue, the session
// table, the connection table and the object registry. Every mutation
// happens under its lock; calls into the media engine happen outside the
// lock and re-validate the owning connection's teardown generation before
// touching state again. A result that arrives after teardown began is
// discarded and its engine object closed.
type Coordinator struct {
	engine engine.Engine
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*Connection
	sessions map[string]*Session
	queue    Matchmaker
	registry *Registry
}

// NewCoordinator creates a coordinator bound to the given media engine.
func NewCoordinator(eng engine.Engine, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		engine:   eng,
		logger:   logger,
		conns:    make(map[string]*Connection),
		sessions: make(map[string]*Session),
		registry: NewRegistry(),
	}
}

// Register creates a fresh Connection for a newly accepted socket.
func (co *Coordinator) Register(pusher Pusher) *Connection {
	conn := &Connection{
		ID:     uuid.NewString(),
		state:  StateConnected,
		pusher: pusher,
	}
	co.mu.Lock()
	co.conns[conn.ID] = conn
	co.mu.Unlock()

	co.logger.Info("connection registered", "connId", conn.ID)
	return conn
}

// Join requests pairing for conn. If another connection is waiting, the two
// are paired into a new session and both receive roomReady; otherwise conn
// is queued and receives waiting.
func (co *Coordinator) Join(conn *Connection) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if conn.state != StateConnected {
		return ErrInvalidState
	}

	partner, paired := co.queue.RequestPairing(conn)
	if !paired {
		conn.state = StateWaiting
		conn.pusher.Push(PushWaiting, nil)
		co.logger.Info("connection queued", "connId", conn.ID, "waiting", co.queue.Len())
		return nil
	}

	sess := co.createSessionLocked(partner, conn)
	partner.state = StatePaired
	conn.state = StatePaired
	partner.pusher.Push(PushRoomReady, RoomReady{SessionID: sess.ID})
	conn.pusher.Push(PushRoomReady, RoomReady{SessionID: sess.ID})
	co.logger.Info("session created", "sessionId", sess.ID, "connA", partner.ID, "connB", conn.ID)
	return nil
}

// createSessionLocked allocates a session for a and b. The id combines both
// connection ids, so colliding with a concurrently live session would
// require a connection id collision; the uniqueness check retries with a
// random suffix regardless.
func (co *Coordinator) createSessionLocked(a, b *Connection) *Session {
	id := shortID(a.ID) + "-" + shortID(b.ID)
	for {
		if _, exists := co.sessions[id]; !exists {
			break
		}
		id = shortID(a.ID) + "-" + shortID(b.ID) + "-" + shortID(uuid.NewString())
	}

	sess := &Session{
		ID:        id,
		members:   [2]*Connection{a, b},
		producers: make(map[string]*ProducerRecord),
	}
	co.sessions[id] = sess
	a.session = sess
	b.session = sess
	a.transports = TransportPair{consumedProducer: make(map[string]bool)}
	b.transports = TransportPair{consumedProducer: make(map[string]bool)}
	return sess
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// RTPCapabilities returns the engine's capability set.
func (co *Coordinator) RTPCapabilities(ctx context.Context, conn *Connection) (json.RawMessage, error) {
	co.mu.Lock()
	closed := conn.state == StateClosed
	co.mu.Unlock()
	if closed {
		return nil, ErrConnectionClosed
	}

	caps, err := co.engine.RTPCapabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get RTP capabilities: %w", err)
	}
	return caps, nil
}

// CreateTransport creates the connection's transport for the given
// direction. At most one transport per direction may exist.
func (co *Coordinator) CreateTransport(ctx context.Context, conn *Connection, sessionID string, dir Direction) (*engine.TransportInfo, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("invalid direction %q", dir)
	}

	co.mu.Lock()
	if err := co.checkSessionLocked(conn, sessionID); err != nil {
		co.mu.Unlock()
		return nil, err
	}
	if conn.transports.handle(dir) != nil {
		co.mu.Unlock()
		return nil, ErrTransportExists
	}
	gen := conn.gen
	sessID := conn.session.ID
	co.mu.Unlock()

	info, err := co.engine.CreateTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine failed to create transport: %w", err)
	}

	co.mu.Lock()
	if conn.gen != gen {
		co.mu.Unlock()
		co.engine.CloseTransport(info.ID)
		co.logger.Debug("discarding transport created after teardown", "connId", conn.ID, "transportId", info.ID)
		return nil, ErrConnectionClosed
	}
	if conn.transports.handle(dir) != nil {
		co.mu.Unlock()
		co.engine.CloseTransport(info.ID)
		return nil, ErrTransportExists
	}
	conn.transports.setHandle(dir, newTransportHandle(info.ID))
	co.registry.AddTransport(info.ID, ObjectRef{ConnectionID: conn.ID, SessionID: sessID})
	co.mu.Unlock()

	co.logger.Info("transport created", "connId", conn.ID, "transportId", info.ID, "direction", dir)
	return info, nil
}

// ConnectTransport forwards the client's DTLS parameters to the engine and
// marks the transport connected. Produce and consume are accepted only once
// the corresponding transport reports connected here.
func (co *Coordinator) ConnectTransport(ctx context.Context, conn *Connection, sessionID string, dir Direction, dtlsParameters json.RawMessage) error {
	if !dir.Valid() {
		return fmt.Errorf("invalid direction %q", dir)
	}

	co.mu.Lock()
	if err := co.checkSessionLocked(conn, sessionID); err != nil {
		co.mu.Unlock()
		return err
	}
	h := conn.transports.handle(dir)
	if h == nil {
		co.mu.Unlock()
		return ErrTransportNotFound
	}
	if h.connected {
		co.mu.Unlock()
		return ErrTransportConnected
	}
	gen := conn.gen
	transportID := h.id
	co.mu.Unlock()

	if err := co.engine.ConnectTransport(ctx, transportID, dtlsParameters); err != nil {
		return fmt.Errorf("engine failed to connect transport: %w", err)
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	if conn.gen != gen {
		return ErrConnectionClosed
	}
	h.connected = true
	if conn.state == StatePaired {
		conn.state = StateActive
	}
	co.logger.Info("transport connected", "connId", conn.ID, "transportId", transportID, "direction", dir)
	return nil
}

// Produce creates a producer on the connection's send transport and notifies
// the session's other member. The producer is recorded before the
// notification is emitted, so the notified member can never observe a
// producer that is not yet known server-side.
func (co *Coordinator) Produce(ctx context.Context, conn *Connection, sessionID string, kind engine.Kind, rtpParameters json.RawMessage) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("invalid media kind %q", kind)
	}

	co.mu.Lock()
	if err := co.checkSessionLocked(conn, sessionID); err != nil {
		co.mu.Unlock()
		return "", err
	}
	h := conn.transports.send
	if h == nil || !h.connected {
		co.mu.Unlock()
		return "", ErrTransportNotConnected
	}
	gen := conn.gen
	transportID := h.id
	sess := conn.session
	co.mu.Unlock()

	producerID, err := co.engine.Produce(ctx, transportID, kind, rtpParameters)
	if err != nil {
		return "", fmt.Errorf("engine failed to produce: %w", err)
	}

	co.mu.Lock()
	if conn.gen != gen {
		co.mu.Unlock()
		co.engine.CloseProducer(producerID)
		co.logger.Debug("discarding producer created after teardown", "connId", conn.ID, "producerId", producerID)
		return "", ErrConnectionClosed
	}
	h.producers[producerID] = kind
	sess.producers[producerID] = &ProducerRecord{
		ProducerID:   producerID,
		ConnectionID: conn.ID,
		Media:        kind,
	}
	co.registry.AddProducer(producerID, ObjectRef{ConnectionID: conn.ID, SessionID: sess.ID, Media: kind})
	other := sess.other(conn)
	other.pusher.Push(PushNewProducer, NewProducer{ProducerID: producerID})
	co.mu.Unlock()

	co.logger.Info("producer created", "connId", conn.ID, "producerId", producerID, "kind", kind)
	return producerID, nil
}

// Consume creates a consumer for producerID on the connection's receive
// transport. A capability mismatch yields ErrCannotConsume (non-fatal); a
// second consume for a producer this connection already consumes yields
// ErrDuplicateConsume.
func (co *Coordinator) Consume(ctx context.Context, conn *Connection, sessionID, producerID string, rtpCapabilities json.RawMessage) (*engine.ConsumerInfo, error) {
	co.mu.Lock()
	if err := co.checkSessionLocked(conn, sessionID); err != nil {
		co.mu.Unlock()
		return nil, err
	}
	h := conn.transports.recv
	if h == nil || !h.connected {
		co.mu.Unlock()
		return nil, ErrTransportNotConnected
	}
	sess := conn.session
	if _, ok := sess.producers[producerID]; !ok {
		co.mu.Unlock()
		return nil, ErrUnknownProducer
	}
	if conn.transports.consumedProducer[producerID] {
		co.mu.Unlock()
		return nil, ErrDuplicateConsume
	}
	// Claim the producer before suspending so a racing duplicate fails fast.
	conn.transports.consumedProducer[producerID] = true
	gen := conn.gen
	transportID := h.id
	co.mu.Unlock()

	unclaim := func() {
		co.mu.Lock()
		if conn.gen == gen {
			delete(conn.transports.consumedProducer, producerID)
		}
		co.mu.Unlock()
	}

	if !co.engine.CanConsume(producerID, rtpCapabilities) {
		unclaim()
		return nil, ErrCannotConsume
	}

	info, err := co.engine.Consume(ctx, transportID, producerID, rtpCapabilities)
	if err != nil {
		unclaim()
		if err == engine.ErrCannotConsume {
			return nil, ErrCannotConsume
		}
		return nil, fmt.Errorf("engine failed to consume: %w", err)
	}

	co.mu.Lock()
	if conn.gen != gen {
		co.mu.Unlock()
		co.engine.CloseConsumer(info.ID)
		co.logger.Debug("discarding consumer created after teardown", "connId", conn.ID, "consumerId", info.ID)
		return nil, ErrConnectionClosed
	}
	h.consumers[info.ID] = producerID
	co.registry.AddConsumer(info.ID, ObjectRef{ConnectionID: conn.ID, SessionID: sessionID, Media: info.Kind})
	co.mu.Unlock()

	co.logger.Info("consumer created", "connId", conn.ID, "consumerId", info.ID, "producerId", producerID)
	return info, nil
}

// ResumeConsumer resumes the named consumer. A consumer that no longer
// exists (already torn down) is a silent no-op.
func (co *Coordinator) ResumeConsumer(ctx context.Context, conn *Connection, consumerID string) error {
	co.mu.Lock()
	if conn.state == StateClosed {
		co.mu.Unlock()
		return ErrConnectionClosed
	}
	h := conn.transports.recv
	owned := h != nil && h.consumers[consumerID] != ""
	co.mu.Unlock()

	if !owned {
		co.logger.Debug("resume for unknown consumer ignored", "connId", conn.ID, "consumerId", consumerID)
		return nil
	}

	if err := co.engine.ResumeConsumer(ctx, consumerID); err != nil {
		return fmt.Errorf("engine failed to resume consumer: %w", err)
	}
	return nil
}

// Relay delivers a chat message verbatim to the session's other member.
func (co *Coordinator) Relay(conn *Connection, text string) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if conn.state == StateClosed {
		return ErrConnectionClosed
	}
	sess := conn.session
	if sess == nil {
		return ErrNoSession
	}
	if _, live := co.sessions[sess.ID]; !live {
		// The other member already left; drop without error.
		co.logger.Debug("chat for destroyed session dropped", "connId", conn.ID, "sessionId", sess.ID)
		return nil
	}
	sess.other(conn).pusher.Push(PushMessage, ChatMessage{Text: text})
	return nil
}

// Disconnect tears down everything conn owns: queue membership, its session
// (and with it both members' transports, producers and consumers) and the
// connection itself. The remaining member, if any, is notified. Idempotent.
func (co *Coordinator) Disconnect(conn *Connection) {
	co.mu.Lock()
	if conn.state == StateClosed {
		co.mu.Unlock()
		return
	}
	conn.state = StateClosed
	co.queue.RemoveIfWaiting(conn)
	delete(co.conns, conn.ID)

	var survivor *Connection
	var closers []func()
	if sess := conn.session; sess != nil {
		survivor = sess.other(conn)
		closers = co.destroySessionLocked(sess)
	} else {
		closers = co.teardownLocked(conn)
	}
	if survivor != nil {
		survivor.pusher.Push(PushPartnerDisconnected, nil)
	}
	co.mu.Unlock()

	for _, c := range closers {
		c()
	}
	co.logger.Info("connection closed", "connId", conn.ID)
}

// DestroySession destroys the named session and tears down both members'
// media state. No-op if the session is already gone.
func (co *Coordinator) DestroySession(sessionID string) {
	co.mu.Lock()
	sess, ok := co.sessions[sessionID]
	var closers []func()
	if ok {
		closers = co.destroySessionLocked(sess)
	}
	co.mu.Unlock()

	for _, c := range closers {
		c()
	}
}

// destroySessionLocked removes the session, tears down both members'
// transport state and detaches them. Engine close calls are returned as
// closures to run outside the lock. Idempotent.
func (co *Coordinator) destroySessionLocked(sess *Session) []func() {
	if _, live := co.sessions[sess.ID]; !live {
		return nil
	}
	delete(co.sessions, sess.ID)

	var closers []func()
	for _, m := range sess.members {
		closers = append(closers, co.teardownLocked(m)...)
		m.session = nil
		if m.state != StateClosed {
			m.state = StateConnected
		}
	}
	sess.producers = make(map[string]*ProducerRecord)
	co.logger.Info("session destroyed", "sessionId", sess.ID)
	return closers
}

// teardownLocked releases all local records for conn's transports and bumps
// the teardown generation so in-flight engine completions are discarded.
// Engine close calls are returned as closures. Safe on a partially
// initialized pair and idempotent.
func (co *Coordinator) teardownLocked(conn *Connection) []func() {
	conn.gen++

	var closers []func()
	for _, h := range []*transportHandle{conn.transports.send, conn.transports.recv} {
		if h == nil {
			continue
		}
		for producerID := range h.producers {
			co.registry.RemoveProducer(producerID)
			id := producerID
			closers = append(closers, func() { co.engine.CloseProducer(id) })
		}
		for consumerID := range h.consumers {
			co.registry.RemoveConsumer(consumerID)
			id := consumerID
			closers = append(closers, func() { co.engine.CloseConsumer(id) })
		}
		co.registry.RemoveTransport(h.id)
		id := h.id
		closers = append(closers, func() { co.engine.CloseTransport(id) })
	}
	conn.transports = TransportPair{}
	return closers
}

// checkSessionLocked validates that conn is alive, paired and that the
// request's session id matches its session.
func (co *Coordinator) checkSessionLocked(conn *Connection, sessionID string) error {
	if conn.state == StateClosed {
		return ErrConnectionClosed
	}
	if conn.state != StatePaired && conn.state != StateActive {
		return ErrInvalidState
	}
	if conn.session == nil {
		return ErrNoSession
	}
	if sessionID != "" && conn.session.ID != sessionID {
		return ErrSessionMismatch
	}
	return nil
}

// Counts reports live connections, waiting connections and sessions, for
// health and metrics endpoints.
func (co *Coordinator) Counts() (connections, waiting, sessions int) {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.conns), co.queue.Len(), len(co.sessions)
}
