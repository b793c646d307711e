package test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pairwire/pairwire/pkg/engine"
)

// StubEngine is an in-memory media engine for integration tests. It hands
// out deterministic ids (t1, p1, c1, ...) and records every close call so
// tests can assert that teardown reached the engine.
type StubEngine struct {
	mu            sync.Mutex
	nextTransport int
	nextProducer  int
	nextConsumer  int

	producerKinds map[string]engine.Kind

	RejectConsume bool

	closedTransports []string
	closedProducers  []string
	closedConsumers  []string
}

func NewStubEngine() *StubEngine {
	return &StubEngine{producerKinds: make(map[string]engine.Kind)}
}

func (s *StubEngine) RTPCapabilities(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000,"channels":2},{"mimeType":"video/VP8","clockRate":90000}]}`), nil
}

func (s *StubEngine) CreateTransport(ctx context.Context) (*engine.TransportInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTransport++
	id := fmt.Sprintf("t%d", s.nextTransport)
	return &engine.TransportInfo{
		ID:             id,
		ICEParameters:  json.RawMessage(`{"usernameFragment":"stub","password":"stub"}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{"fingerprints":[]}`),
	}, nil
}

func (s *StubEngine) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	return nil
}

func (s *StubEngine) Produce(ctx context.Context, transportID string, kind engine.Kind, rtpParameters json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProducer++
	id := fmt.Sprintf("p%d", s.nextProducer)
	s.producerKinds[id] = kind
	return id, nil
}

func (s *StubEngine) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.producerKinds[producerID]
	return known && !s.RejectConsume
}

func (s *StubEngine) Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*engine.ConsumerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, known := s.producerKinds[producerID]
	if !known {
		return nil, engine.ErrProducerNotFound
	}
	s.nextConsumer++
	return &engine.ConsumerInfo{
		ID:            fmt.Sprintf("c%d", s.nextConsumer),
		ProducerID:    producerID,
		Kind:          kind,
		RTPParameters: json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}],"encodings":[{"ssrc":1}]}`),
	}, nil
}

func (s *StubEngine) ResumeConsumer(ctx context.Context, consumerID string) error { return nil }

func (s *StubEngine) CloseTransport(transportID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedTransports = append(s.closedTransports, transportID)
}

func (s *StubEngine) CloseProducer(producerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producerKinds, producerID)
	s.closedProducers = append(s.closedProducers, producerID)
}

func (s *StubEngine) CloseConsumer(consumerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedConsumers = append(s.closedConsumers, consumerID)
}

func (s *StubEngine) Close() error { return nil }

// Closed returns the ids closed so far, in call order.
func (s *StubEngine) Closed() (transports, producers, consumers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closedTransports...),
		append([]string(nil), s.closedProducers...),
		append([]string(nil), s.closedConsumers...)
}
