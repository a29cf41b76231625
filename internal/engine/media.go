package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

// Producer wraps an RTPReceiver plus the relay consumers feed from.
type Producer struct {
	kind     domain.Kind
	params   json.RawMessage
	receiver *webrtc.RTPReceiver
	ssrc     uint32
	relay    *relay
	cancel   context.CancelFunc

	once sync.Once
	err  error
}

func (p *Producer) Kind() domain.Kind              { return p.kind }
func (p *Producer) RTPParameters() json.RawMessage { return p.params }

func (p *Producer) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.err = p.receiver.Stop()
	})
	return p.err
}

// Consumer wraps an RTPSender fed by a producer's relay.
type Consumer struct {
	kind   domain.Kind
	params json.RawMessage
	sender *webrtc.RTPSender
	out    *outTrack
	relay  *relay
	key    string

	once sync.Once
	err  error
}

func (c *Consumer) Kind() domain.Kind              { return c.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

func (c *Consumer) Resume() error {
	c.out.MarkOk()
	return nil
}

func (c *Consumer) Close() error {
	c.once.Do(func() {
		c.out.MarkDelete()
		c.relay.removeOutTrack(c.key)
		c.err = c.sender.Stop()
	})
	return c.err
}

// Wire shape of the parameters a consumer hands back to its client.
type codecWire struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
}

type encodingWire struct {
	SSRC uint32 `json:"ssrc"`
}

type rtpParametersOut struct {
	Codecs    []codecWire    `json:"codecs"`
	Encodings []encodingWire `json:"encodings"`
}

func consumerWireParams(capability webrtc.RTPCodecCapability, kind domain.Kind, ssrc uint32) (json.RawMessage, error) {
	pt := uint8(111)
	if kind == domain.KindVideo {
		pt = 96
	}
	return json.Marshal(rtpParametersOut{
		Codecs: []codecWire{{
			MimeType:    capability.MimeType,
			PayloadType: pt,
			ClockRate:   capability.ClockRate,
			Channels:    capability.Channels,
		}},
		Encodings: []encodingWire{{SSRC: ssrc}},
	})
}

var (
	_ core.ProducerHandle = (*Producer)(nil)
	_ core.ConsumerHandle = (*Consumer)(nil)
)
