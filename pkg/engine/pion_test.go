package engine

import (
	"context"
	"encoding/json"
	"testing"
)

func TestKindValid(t *testing.T) {
	if !KindAudio.Valid() || !KindVideo.Valid() {
		t.Error("audio and video are valid kinds")
	}
	if Kind("screen").Valid() {
		t.Error("unknown kinds are invalid")
	}
}

func TestPionCapabilitiesListRouterCodecs(t *testing.T) {
	p, err := NewPion(PionConfig{})
	if err != nil {
		t.Fatalf("NewPion: %v", err)
	}
	defer p.Close()

	raw, err := p.RTPCapabilities(context.Background())
	if err != nil {
		t.Fatalf("RTPCapabilities: %v", err)
	}

	var caps rtpCapabilitiesWire
	if err := json.Unmarshal(raw, &caps); err != nil {
		t.Fatalf("capabilities are not valid JSON: %v", err)
	}

	byMime := make(map[string]rtpCodecWire)
	for _, c := range caps.Codecs {
		byMime[c.MimeType] = c
	}
	opus, ok := byMime["audio/opus"]
	if !ok || opus.ClockRate != 48000 || opus.Channels != 2 {
		t.Errorf("expected opus 48000/2, got %+v", opus)
	}
	vp8, ok := byMime["video/VP8"]
	if !ok || vp8.ClockRate != 90000 {
		t.Errorf("expected VP8 90000, got %+v", vp8)
	}
}

func TestPionMatchCodec(t *testing.T) {
	p, err := NewPion(PionConfig{})
	if err != nil {
		t.Fatalf("NewPion: %v", err)
	}
	defer p.Close()

	codec, payloadType, _, err := p.matchCodec(KindVideo, "video/vp8")
	if err != nil {
		t.Fatalf("mime matching should be case-insensitive: %v", err)
	}
	if codec.ClockRate != 90000 || payloadType != 96 {
		t.Errorf("unexpected VP8 parameters: %+v pt=%d", codec, payloadType)
	}

	if _, _, _, err := p.matchCodec(KindAudio, "audio/PCMU"); err == nil {
		t.Error("codecs outside the router set must be rejected")
	}
	if _, _, _, err := p.matchCodec(KindVideo, "audio/opus"); err == nil {
		t.Error("kind and codec must agree")
	}
}

func TestPionCanConsumeUnknownProducer(t *testing.T) {
	p, err := NewPion(PionConfig{})
	if err != nil {
		t.Fatalf("NewPion: %v", err)
	}
	defer p.Close()

	if p.CanConsume("missing", json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}]}`)) {
		t.Error("cannot consume a producer the engine does not know")
	}
}

func TestPionCloseUnknownObjectsIdempotent(t *testing.T) {
	p, err := NewPion(PionConfig{})
	if err != nil {
		t.Fatalf("NewPion: %v", err)
	}
	defer p.Close()

	// Closing ids the engine never issued must be a silent no-op.
	p.CloseTransport("t-missing")
	p.CloseProducer("p-missing")
	p.CloseConsumer("c-missing")
}
