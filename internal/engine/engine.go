// Package engine implements the media engine facade on top of pion/webrtc,
// ORTC-style: one ICE/DTLS transport pair per signaled transport, an
// RTPReceiver per producer and an RTPSender per consumer, with an in-process
// RTP forwarding loop between them.
package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openrelay/signaling/internal/core"
)

// Config mirrors the media section of the server configuration.
type Config struct {
	// UDP port range for ICE candidates.
	PortMin uint16
	PortMax uint16
	// AnnouncedIP, when set, replaces host candidates with a public 1:1
	// NAT address.
	AnnouncedIP string
}

type Engine struct {
	api  *webrtc.API
	caps json.RawMessage

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// codec wire shape for RouterRTPCapabilities.
type codecCapability struct {
	Kind      string `json:"kind"`
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
}

// New builds the engine with the routing domain's codec set: opus audio and
// VP8 video.
func New(cfg Config) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	caps, err := json.Marshal([]codecCapability{
		{Kind: "audio", MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{Kind: "video", MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	})
	if err != nil {
		return nil, err
	}

	eng := &Engine{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		caps: caps,
		done: make(chan struct{}),
	}
	log.Info().Str("module", "engine").
		Uint16("port_min", cfg.PortMin).Uint16("port_max", cfg.PortMax).
		Msg("media engine started")
	return eng, nil
}

func (e *Engine) RouterRTPCapabilities() json.RawMessage { return e.caps }

// Done is closed when the engine stops serving. There is no transparent
// restart: in-flight sessions are invalid once this fires.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	log.Info().Str("module", "engine").Msg("media engine closed")
	return nil
}

var _ core.MediaEngine = (*Engine)(nil)
