package test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pairwire/pairwire/pkg/session"
	"github.com/pairwire/pairwire/pkg/signaling"
)

const waitTimeout = 5 * time.Second

func startServer(t *testing.T) (wsURL string, coord *session.Coordinator, eng *StubEngine) {
	t.Helper()

	eng = NewStubEngine()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord = session.NewCoordinator(eng, logger)
	handler := signaling.NewHandler(context.Background(), coord, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", signaling.ServeWS(handler, logger))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", coord, eng
}

func dialClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func mustRequest(t *testing.T, c *Client, msgType string, data any) signaling.Envelope {
	t.Helper()
	reply, err := c.Request(msgType, data)
	if err != nil {
		t.Fatalf("%s: %v", msgType, err)
	}
	if reply.Error != "" {
		t.Fatalf("%s: error ack %q", msgType, reply.Error)
	}
	return reply
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndPairProduceConsumeDisconnect(t *testing.T) {
	wsURL, coord, eng := startServer(t)

	// A joins and waits.
	a := dialClient(t, wsURL)
	mustRequest(t, a, signaling.TypeJoin, nil)
	if _, err := a.WaitPush(session.PushWaiting, waitTimeout); err != nil {
		t.Fatal(err)
	}

	// B joins; both get roomReady with the same session id.
	b := dialClient(t, wsURL)
	mustRequest(t, b, signaling.TypeJoin, nil)

	roomA, err := a.WaitPush(session.PushRoomReady, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	roomB, err := b.WaitPush(session.PushRoomReady, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	var readyA, readyB struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(roomA.Data, &readyA); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(roomB.Data, &readyB); err != nil {
		t.Fatal(err)
	}
	if readyA.SessionID == "" || readyA.SessionID != readyB.SessionID {
		t.Fatalf("session ids differ: %q vs %q", readyA.SessionID, readyB.SessionID)
	}
	sessionID := readyA.SessionID

	// A fetches capabilities.
	caps := mustRequest(t, a, signaling.TypeGetRTPCapabilities, nil)
	if !strings.Contains(string(caps.Data), "video/VP8") {
		t.Errorf("capabilities should list router codecs, got %s", caps.Data)
	}

	// A creates and connects a send transport, then produces video.
	createAck := mustRequest(t, a, signaling.TypeCreateTransport, signaling.CreateTransportRequest{
		SessionID: sessionID,
		Direction: "send",
	})
	var transportA struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(createAck.Data, &transportA); err != nil {
		t.Fatal(err)
	}
	if transportA.ID == "" {
		t.Fatal("createTransport ack should carry the transport id")
	}

	mustRequest(t, a, signaling.TypeConnectTransport, signaling.ConnectTransportRequest{
		SessionID:      sessionID,
		Direction:      "send",
		DTLSParameters: json.RawMessage(`{"fingerprints":[]}`),
	})

	produceAck := mustRequest(t, a, signaling.TypeProduce, signaling.ProduceRequest{
		SessionID:     sessionID,
		Kind:          "video",
		RTPParameters: json.RawMessage(`{"codecs":[{"mimeType":"video/VP8"}],"encodings":[{"ssrc":1234}]}`),
	})
	var produced struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(produceAck.Data, &produced); err != nil {
		t.Fatal(err)
	}
	if produced.ID != "p1" {
		t.Fatalf("expected producer p1, got %q", produced.ID)
	}

	// B observes the newProducer push.
	newProd, err := b.WaitPush(session.PushNewProducer, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	var notified struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(newProd.Data, &notified); err != nil {
		t.Fatal(err)
	}
	if notified.ProducerID != produced.ID {
		t.Fatalf("newProducer %q does not match produced %q", notified.ProducerID, produced.ID)
	}

	// B creates and connects a receive transport, then consumes.
	mustRequest(t, b, signaling.TypeCreateTransport, signaling.CreateTransportRequest{
		SessionID: sessionID,
		Direction: "recv",
	})
	mustRequest(t, b, signaling.TypeConnectTransport, signaling.ConnectTransportRequest{
		SessionID:      sessionID,
		Direction:      "recv",
		DTLSParameters: json.RawMessage(`{"fingerprints":[]}`),
	})

	consumeAck := mustRequest(t, b, signaling.TypeConsume, signaling.ConsumeRequest{
		SessionID:       sessionID,
		ProducerID:      produced.ID,
		RTPCapabilities: json.RawMessage(`{"codecs":[{"mimeType":"video/VP8"}]}`),
	})
	var consumed struct {
		ID         string `json:"id"`
		ProducerID string `json:"producerId"`
		Kind       string `json:"kind"`
	}
	if err := json.Unmarshal(consumeAck.Data, &consumed); err != nil {
		t.Fatal(err)
	}
	if consumed.ID != "c1" || consumed.ProducerID != produced.ID || consumed.Kind != "video" {
		t.Fatalf("unexpected consume ack: %+v", consumed)
	}

	mustRequest(t, b, signaling.TypeResumeConsumer, signaling.ResumeConsumerRequest{ConsumerID: consumed.ID})

	// Chat is relayed verbatim to the other member.
	mustRequest(t, a, signaling.TypeMessage, signaling.ChatRequest{Text: "hello there"})
	chat, err := b.WaitPush(session.PushMessage, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	var text struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(chat.Data, &text); err != nil {
		t.Fatal(err)
	}
	if text.Text != "hello there" {
		t.Fatalf("chat text mangled: %q", text.Text)
	}

	// A disconnects: B is notified and all engine objects are released.
	a.Close()

	if _, err := b.WaitPush(session.PushPartnerDisconnected, waitTimeout); err != nil {
		t.Fatal(err)
	}

	eventually(t, "engine teardown", func() bool {
		transports, producers, consumers := eng.Closed()
		return len(transports) == 2 && len(producers) == 1 && len(consumers) == 1
	})
	eventually(t, "session teardown", func() bool {
		_, _, sessions := coord.Counts()
		return sessions == 0
	})
}

func TestProduceWithoutSessionRejected(t *testing.T) {
	wsURL, _, _ := startServer(t)
	c := dialClient(t, wsURL)

	reply, err := c.Request(signaling.TypeProduce, signaling.ProduceRequest{Kind: "video"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Error != "invalidState" {
		t.Fatalf("expected invalidState error ack, got %q", reply.Error)
	}
}

func TestConsumeCapabilityMismatchSurfacedNonFatally(t *testing.T) {
	wsURL, coord, eng := startServer(t)

	a := dialClient(t, wsURL)
	b := dialClient(t, wsURL)
	mustRequest(t, a, signaling.TypeJoin, nil)
	mustRequest(t, b, signaling.TypeJoin, nil)

	room, err := a.WaitPush(session.PushRoomReady, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	var ready struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(room.Data, &ready); err != nil {
		t.Fatal(err)
	}

	mustRequest(t, a, signaling.TypeCreateTransport, signaling.CreateTransportRequest{SessionID: ready.SessionID, Direction: "send"})
	mustRequest(t, a, signaling.TypeConnectTransport, signaling.ConnectTransportRequest{SessionID: ready.SessionID, Direction: "send", DTLSParameters: json.RawMessage(`{}`)})
	produceAck := mustRequest(t, a, signaling.TypeProduce, signaling.ProduceRequest{
		SessionID:     ready.SessionID,
		Kind:          "audio",
		RTPParameters: json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}],"encodings":[{"ssrc":7}]}`),
	})
	var produced struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(produceAck.Data, &produced); err != nil {
		t.Fatal(err)
	}

	mustRequest(t, b, signaling.TypeCreateTransport, signaling.CreateTransportRequest{SessionID: ready.SessionID, Direction: "recv"})
	mustRequest(t, b, signaling.TypeConnectTransport, signaling.ConnectTransportRequest{SessionID: ready.SessionID, Direction: "recv", DTLSParameters: json.RawMessage(`{}`)})

	eng.RejectConsume = true
	reply, err := b.Request(signaling.TypeConsume, signaling.ConsumeRequest{
		SessionID:       ready.SessionID,
		ProducerID:      produced.ID,
		RTPCapabilities: json.RawMessage(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Error != "cannotConsume" {
		t.Fatalf("expected cannotConsume, got %q", reply.Error)
	}

	// Non-fatal: the session is still alive.
	if _, _, sessions := coord.Counts(); sessions != 1 {
		t.Error("capability mismatch must not tear the session down")
	}
}
