package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionConfig holds configuration for the pion-backed engine.
type PionConfig struct {
	// AnnouncedIP, when set, is advertised to clients in place of the host's
	// local addresses (for servers behind 1:1 NAT).
	AnnouncedIP string
	Logger      *slog.Logger
}

// Pion is an Engine backed by pion/webrtc's ORTC API. Each transport is an
// ICE gatherer + ICE transport + DTLS transport triple; producers are RTP
// receivers, consumers are RTP senders fed from the producer's track by a
// per-producer forwarding loop. Media payloads are never decoded.
type Pion struct {
	api    *webrtc.API
	caps   json.RawMessage
	logger *slog.Logger

	mu         sync.Mutex
	transports map[string]*pionTransport
	producers  map[string]*pionProducer
	consumers  map[string]*pionConsumer
}

type pionTransport struct {
	id        string
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	connected bool
}

type pionProducer struct {
	id          string
	transportID string
	kind        Kind
	codec       webrtc.RTPCodecCapability
	payloadType uint8
	receiver    *webrtc.RTPReceiver
	local       *webrtc.TrackLocalStaticRTP
	done        chan struct{}
	closeOnce   sync.Once
}

type pionConsumer struct {
	id          string
	transportID string
	producerID  string
	sender      *webrtc.RTPSender
	paused      bool
}

// supportedCodecs mirrors the router media codecs: Opus for audio, VP8 for
// video.
var supportedCodecs = []struct {
	kind        Kind
	codecType   webrtc.RTPCodecType
	payloadType uint8
	capability  webrtc.RTPCodecCapability
}{
	{
		kind:        KindAudio,
		codecType:   webrtc.RTPCodecTypeAudio,
		payloadType: 111,
		capability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
	},
	{
		kind:        KindVideo,
		codecType:   webrtc.RTPCodecTypeVideo,
		payloadType: 96,
		capability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
	},
}

// Wire shapes for the opaque parameter blobs exchanged with clients.

type rtpCapabilitiesWire struct {
	Codecs []rtpCodecWire `json:"codecs"`
}

type rtpCodecWire struct {
	MimeType    string `json:"mimeType"`
	Kind        string `json:"kind,omitempty"`
	PayloadType uint8  `json:"payloadType,omitempty"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
}

type rtpParametersWire struct {
	Codecs    []rtpCodecWire `json:"codecs"`
	Encodings []rtpEncoding  `json:"encodings"`
}

type rtpEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

// connectWire is the client half of the connect handshake. Pion's ICE
// transport needs the remote ufrag/pwd to start connectivity checks, so the
// client's ICE parameters ride alongside the DTLS fingerprints.
type connectWire struct {
	Role          string                   `json:"role,omitempty"`
	Fingerprints  []webrtc.DTLSFingerprint `json:"fingerprints"`
	ICEParameters webrtc.ICEParameters     `json:"iceParameters"`
}

// NewPion creates a pion-backed engine with the router codecs registered.
func NewPion(cfg PionConfig) (*Pion, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	capsWire := rtpCapabilitiesWire{}
	for _, c := range supportedCodecs {
		err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: c.capability,
			PayloadType:        webrtc.PayloadType(c.payloadType),
		}, c.codecType)
		if err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.capability.MimeType, err)
		}
		capsWire.Codecs = append(capsWire.Codecs, rtpCodecWire{
			MimeType:    c.capability.MimeType,
			Kind:        string(c.kind),
			PayloadType: c.payloadType,
			ClockRate:   c.capability.ClockRate,
			Channels:    c.capability.Channels,
		})
	}
	caps, err := json.Marshal(capsWire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return &Pion{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(se)),
		caps:       caps,
		logger:     cfg.Logger,
		transports: make(map[string]*pionTransport),
		producers:  make(map[string]*pionProducer),
		consumers:  make(map[string]*pionConsumer),
	}, nil
}

// RTPCapabilities returns the router's codec capabilities.
func (p *Pion) RTPCapabilities(ctx context.Context) (json.RawMessage, error) {
	return p.caps, nil
}

// CreateTransport builds a new ICE/DTLS transport and gathers its candidates
// before returning, so the full candidate list ships in one response.
func (p *Pion) CreateTransport(ctx context.Context) (*TransportInfo, error) {
	gatherer, err := p.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create ICE gatherer: %w", err)
	}

	ice := p.api.NewICETransport(gatherer)
	dtls, err := p.api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("failed to create DTLS transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		dtls.Stop()
		gatherer.Close()
		return nil, fmt.Errorf("failed to gather candidates: %w", err)
	}

	select {
	case <-gatherDone:
	case <-ctx.Done():
		dtls.Stop()
		gatherer.Close()
		return nil, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		dtls.Stop()
		gatherer.Close()
		return nil, fmt.Errorf("failed to get local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		dtls.Stop()
		gatherer.Close()
		return nil, fmt.Errorf("failed to get ICE parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		dtls.Stop()
		gatherer.Close()
		return nil, fmt.Errorf("failed to get DTLS parameters: %w", err)
	}

	iceParamsJSON, err := json.Marshal(iceParams)
	if err != nil {
		dtls.Stop()
		gatherer.Close()
		return nil, err
	}
	candidatesJSON, err := json.Marshal(candidates)
	if err != nil {
		dtls.Stop()
		gatherer.Close()
		return nil, err
	}
	dtlsParamsJSON, err := json.Marshal(dtlsParams)
	if err != nil {
		dtls.Stop()
		gatherer.Close()
		return nil, err
	}

	t := &pionTransport{
		id:       uuid.NewString(),
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}

	p.mu.Lock()
	p.transports[t.id] = t
	p.mu.Unlock()

	p.logger.Debug("transport created", "transportId", t.id, "candidates", len(candidates))

	return &TransportInfo{
		ID:             t.id,
		ICEParameters:  iceParamsJSON,
		ICECandidates:  candidatesJSON,
		DTLSParameters: dtlsParamsJSON,
	}, nil
}

// ConnectTransport starts ICE and DTLS with the remote client's parameters.
func (p *Pion) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	p.mu.Lock()
	t, ok := p.transports[transportID]
	p.mu.Unlock()
	if !ok {
		return ErrTransportNotFound
	}

	var params connectWire
	if err := json.Unmarshal(dtlsParameters, &params); err != nil {
		return fmt.Errorf("failed to parse connect parameters: %w", err)
	}

	// The server side always answers connectivity checks.
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, params.ICEParameters, &role); err != nil {
		return fmt.Errorf("failed to start ICE: %w", err)
	}
	if err := t.dtls.Start(webrtc.DTLSParameters{
		Role:         webrtc.DTLSRoleAuto,
		Fingerprints: params.Fingerprints,
	}); err != nil {
		return fmt.Errorf("failed to start DTLS: %w", err)
	}

	p.mu.Lock()
	t.connected = true
	p.mu.Unlock()

	p.logger.Debug("transport connected", "transportId", transportID)
	return nil
}

// Produce starts receiving a remote track on the given transport and exposes
// it through a local fan-out track that consumers attach to.
func (p *Pion) Produce(ctx context.Context, transportID string, kind Kind, rtpParameters json.RawMessage) (string, error) {
	p.mu.Lock()
	t, ok := p.transports[transportID]
	p.mu.Unlock()
	if !ok {
		return "", ErrTransportNotFound
	}

	var params rtpParametersWire
	if err := json.Unmarshal(rtpParameters, &params); err != nil {
		return "", fmt.Errorf("failed to parse RTP parameters: %w", err)
	}
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		return "", fmt.Errorf("RTP parameters need at least one codec and one encoding")
	}

	codec, payloadType, codecType, err := p.matchCodec(kind, params.Codecs[0].MimeType)
	if err != nil {
		return "", err
	}

	receiver, err := p.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return "", fmt.Errorf("failed to create RTP receiver: %w", err)
	}
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC: webrtc.SSRC(params.Encodings[0].SSRC),
			},
		}},
	}); err != nil {
		receiver.Stop()
		return "", fmt.Errorf("failed to start receiving: %w", err)
	}

	producerID := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), producerID)
	if err != nil {
		receiver.Stop()
		return "", fmt.Errorf("failed to create fan-out track: %w", err)
	}

	prod := &pionProducer{
		id:          producerID,
		transportID: transportID,
		kind:        kind,
		codec:       codec,
		payloadType: payloadType,
		receiver:    receiver,
		local:       local,
		done:        make(chan struct{}),
	}

	p.mu.Lock()
	p.producers[producerID] = prod
	p.mu.Unlock()

	go p.forward(prod)

	p.logger.Debug("producer created", "producerId", producerID, "transportId", transportID, "kind", kind)
	return producerID, nil
}

// forward copies RTP from the producer's remote track to its fan-out track
// until the producer is closed or the track ends.
func (p *Pion) forward(prod *pionProducer) {
	track := prod.receiver.Track()
	for {
		select {
		case <-prod.done:
			return
		default:
		}

		var pkt *rtp.Packet
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.logger.Debug("producer track ended", "producerId", prod.id, "error", err)
			return
		}

		// Strip header extensions before fan-out; consumers negotiated none.
		pkt.Extension = false
		pkt.Extensions = nil

		if err := prod.local.WriteRTP(pkt); err != nil {
			p.logger.Debug("fan-out write failed", "producerId", prod.id, "error", err)
		}
	}
}

// CanConsume reports whether the given capabilities include the producer's
// codec.
func (p *Pion) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	p.mu.Lock()
	prod, ok := p.producers[producerID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	var caps rtpCapabilitiesWire
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, prod.codec.MimeType) {
			return true
		}
	}
	return false
}

// Consume attaches an RTP sender on the given transport to the producer's
// fan-out track.
func (p *Pion) Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerInfo, error) {
	p.mu.Lock()
	t, tok := p.transports[transportID]
	prod, pok := p.producers[producerID]
	p.mu.Unlock()
	if !tok {
		return nil, ErrTransportNotFound
	}
	if !pok {
		return nil, ErrProducerNotFound
	}
	if !p.CanConsume(producerID, rtpCapabilities) {
		return nil, ErrCannotConsume
	}

	sender, err := p.api.NewRTPSender(prod.local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		sender.Stop()
		return nil, fmt.Errorf("failed to start sending: %w", err)
	}

	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}
	rtpParams, err := json.Marshal(rtpParametersWire{
		Codecs: []rtpCodecWire{{
			MimeType:    prod.codec.MimeType,
			PayloadType: prod.payloadType,
			ClockRate:   prod.codec.ClockRate,
			Channels:    prod.codec.Channels,
		}},
		Encodings: []rtpEncoding{{SSRC: ssrc}},
	})
	if err != nil {
		sender.Stop()
		return nil, err
	}

	cons := &pionConsumer{
		id:          uuid.NewString(),
		transportID: transportID,
		producerID:  producerID,
		sender:      sender,
	}

	p.mu.Lock()
	p.consumers[cons.id] = cons
	p.mu.Unlock()

	p.logger.Debug("consumer created", "consumerId", cons.id, "producerId", producerID, "transportId", transportID)

	return &ConsumerInfo{
		ID:            cons.id,
		ProducerID:    producerID,
		Kind:          prod.kind,
		RTPParameters: rtpParams,
	}, nil
}

// ResumeConsumer clears the consumer's paused flag. Pion senders push media
// as soon as Send is called, so this only updates bookkeeping; a consumer
// that no longer exists is a silent no-op.
func (p *Pion) ResumeConsumer(ctx context.Context, consumerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cons, ok := p.consumers[consumerID]; ok {
		cons.paused = false
	}
	return nil
}

// CloseTransport closes the transport and every producer and consumer riding
// on it. Idempotent.
func (p *Pion) CloseTransport(transportID string) {
	p.mu.Lock()
	t, ok := p.transports[transportID]
	if ok {
		delete(p.transports, transportID)
	}
	var prods []*pionProducer
	for id, prod := range p.producers {
		if prod.transportID == transportID {
			delete(p.producers, id)
			prods = append(prods, prod)
		}
	}
	var conss []*pionConsumer
	for id, cons := range p.consumers {
		if cons.transportID == transportID {
			delete(p.consumers, id)
			conss = append(conss, cons)
		}
	}
	p.mu.Unlock()

	for _, cons := range conss {
		cons.sender.Stop()
	}
	for _, prod := range prods {
		prod.close()
	}
	if ok {
		t.dtls.Stop()
		t.ice.Stop()
		t.gatherer.Close()
		p.logger.Debug("transport closed", "transportId", transportID)
	}
}

// CloseProducer stops the producer's receiver and forwarding loop.
// Idempotent.
func (p *Pion) CloseProducer(producerID string) {
	p.mu.Lock()
	prod, ok := p.producers[producerID]
	if ok {
		delete(p.producers, producerID)
	}
	p.mu.Unlock()

	if ok {
		prod.close()
		p.logger.Debug("producer closed", "producerId", producerID)
	}
}

// CloseConsumer stops the consumer's sender. Idempotent.
func (p *Pion) CloseConsumer(consumerID string) {
	p.mu.Lock()
	cons, ok := p.consumers[consumerID]
	if ok {
		delete(p.consumers, consumerID)
	}
	p.mu.Unlock()

	if ok {
		cons.sender.Stop()
		p.logger.Debug("consumer closed", "consumerId", consumerID)
	}
}

// Close shuts down every transport.
func (p *Pion) Close() error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.transports))
	for id := range p.transports {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.CloseTransport(id)
	}
	return nil
}

func (prod *pionProducer) close() {
	prod.closeOnce.Do(func() {
		close(prod.done)
		prod.receiver.Stop()
	})
}

func (p *Pion) matchCodec(kind Kind, mimeType string) (webrtc.RTPCodecCapability, uint8, webrtc.RTPCodecType, error) {
	for _, c := range supportedCodecs {
		if c.kind == kind && strings.EqualFold(c.capability.MimeType, mimeType) {
			return c.capability, c.payloadType, c.codecType, nil
		}
	}
	return webrtc.RTPCodecCapability{}, 0, 0, fmt.Errorf("unsupported %s codec %q", kind, mimeType)
}
