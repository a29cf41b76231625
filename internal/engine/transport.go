package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

// Transport pairs one ICE transport with one DTLS transport. All media for
// the owning client, sent and received, runs over this pair.
type Transport struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	closed    bool
	producers []*Producer
	consumers []*Consumer
	// maxIncomingBitrate is re-signaled via REMB whenever a new producer
	// arrives, so the bound survives later track additions.
	maxIncomingBitrate int
}

// CreateTransport allocates the ICE/DTLS pair, gathers candidates and
// returns the parameters the client needs for its side of the handshake.
func (e *Engine) CreateTransport(ctx context.Context) (core.TransportHandle, core.TransportParams, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, core.TransportParams{}, errors.New("engine closed")
	}
	e.mu.Unlock()

	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, core.TransportParams{}, fmt.Errorf("new gatherer: %w", err)
	}
	ice := e.api.NewICETransport(gatherer)
	dtls, err := e.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, core.TransportParams{}, fmt.Errorf("new dtls transport: %w", err)
	}

	gatherFinished := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherFinished)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, core.TransportParams{}, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gatherFinished:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, core.TransportParams{}, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, core.TransportParams{}, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, core.TransportParams{}, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, core.TransportParams{}, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := &Transport{api: e.api, gatherer: gatherer, ice: ice, dtls: dtls}
	params := core.TransportParams{
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}
	return t, params, nil
}

// Connect starts ICE (controlled role; the client drives checks) and then
// DTLS with the client's parameters.
func (t *Transport) Connect(ctx context.Context, params core.ConnectParams) error {
	var dtlsParams webrtc.DTLSParameters
	if err := json.Unmarshal(params.DTLSParameters, &dtlsParams); err != nil {
		return fmt.Errorf("decode dtls parameters: %w", err)
	}
	if len(params.ICEParameters) == 0 {
		return errors.New("missing ice parameters")
	}
	var iceParams webrtc.ICEParameters
	if err := json.Unmarshal(params.ICEParameters, &iceParams); err != nil {
		return fmt.Errorf("decode ice parameters: %w", err)
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, iceParams, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

// rtpParametersIn is the subset of the client's send parameters the engine
// needs to route the stream.
type rtpParametersIn struct {
	Codecs []struct {
		MimeType    string `json:"mimeType"`
		PayloadType uint8  `json:"payloadType"`
		ClockRate   uint32 `json:"clockRate"`
		Channels    uint16 `json:"channels,omitempty"`
	} `json:"codecs"`
	Encodings []struct {
		SSRC uint32 `json:"ssrc"`
		RID  string `json:"rid,omitempty"`
	} `json:"encodings"`
}

// Produce attaches an RTPReceiver for the client's stream and starts the
// forwarding relay that consumers subscribe to.
func (t *Transport) Produce(ctx context.Context, kind domain.Kind, rtpParameters json.RawMessage) (core.ProducerHandle, error) {
	var in rtpParametersIn
	if err := json.Unmarshal(rtpParameters, &in); err != nil {
		return nil, fmt.Errorf("decode rtp parameters: %w", err)
	}
	if len(in.Encodings) == 0 || in.Encodings[0].SSRC == 0 {
		return nil, errors.New("rtp parameters carry no ssrc")
	}

	codecType := webrtc.RTPCodecTypeAudio
	if kind == domain.KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}
	receiver, err := t.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w", err)
	}
	ssrc := in.Encodings[0].SSRC
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{
			{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(ssrc)}},
		},
	}); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		kind:     kind,
		params:   rtpParameters,
		receiver: receiver,
		ssrc:     ssrc,
		relay:    newRelay(receiver.Track()),
		cancel:   cancel,
	}
	go p.relay.loop(relayCtx)

	t.mu.Lock()
	t.producers = append(t.producers, p)
	bound := t.maxIncomingBitrate
	t.mu.Unlock()
	if bound > 0 {
		if err := t.signalBitrateBound(bound); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("remb after produce")
		}
	}

	log.Info().Str("module", "engine").
		Str("kind", kind.String()).Uint32("ssrc", ssrc).
		Msg("producer receiving")
	return p, nil
}

// Consume attaches an RTPSender feeding from producer's relay. The consumer
// starts paused; packets flow only after Resume.
func (t *Transport) Consume(ctx context.Context, producer core.ProducerHandle) (core.ConsumerHandle, error) {
	p, ok := producer.(*Producer)
	if !ok {
		return nil, errors.New("foreign producer handle")
	}

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if p.kind == domain.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticRTP(capability, uuid.NewString(), "relay")
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	out := newOutTrack(local)
	out.MarkPaused()
	p.relay.addOutTrack(local.ID(), out)

	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}
	params, err := consumerWireParams(capability, p.kind, ssrc)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		kind:   p.kind,
		params: params,
		sender: sender,
		out:    out,
		relay:  p.relay,
		key:    local.ID(),
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	log.Info().Str("module", "engine").
		Str("kind", p.kind.String()).Uint32("ssrc", ssrc).
		Msg("consumer sending (paused)")
	return c, nil
}

// SetMaxIncomingBitrate caps what the client may send over this transport,
// signaled to the sender as a REMB estimate on each producing stream.
func (t *Transport) SetMaxIncomingBitrate(bps int) error {
	t.mu.Lock()
	t.maxIncomingBitrate = bps
	t.mu.Unlock()
	return t.signalBitrateBound(bps)
}

func (t *Transport) signalBitrateBound(bps int) error {
	t.mu.Lock()
	ssrcs := make([]uint32, 0, len(t.producers))
	for _, p := range t.producers {
		ssrcs = append(ssrcs, p.ssrc)
	}
	t.mu.Unlock()
	if len(ssrcs) == 0 {
		return nil
	}
	_, err := t.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(bps), SSRCs: ssrcs},
	})
	if err != nil {
		return fmt.Errorf("write remb: %w", err)
	}
	return nil
}

// Close releases producers, consumers, DTLS and ICE, in that order.
// Idempotent: the registry guarantees at most one call, but a close racing
// an in-flight operation on the same handle must also be safe.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.producers = nil
	t.consumers = nil
	t.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	for _, p := range producers {
		errs = append(errs, p.Close())
	}
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("dtls stop: %w", err))
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("ice stop: %w", err))
	}
	return errors.Join(errs...)
}

var _ core.TransportHandle = (*Transport)(nil)
