package engine

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type trackState int32

const (
	trackStateOk trackState = iota
	trackStatePaused
	trackStateDelete
)

// outTrack is a single outgoing leg of a relay.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is trackStateOk
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() trackState { return trackState(ot.state.Load()) }
func (ot *outTrack) MarkOk()              { ot.state.Store(int32(trackStateOk)) }
func (ot *outTrack) MarkPaused()          { ot.state.Store(int32(trackStatePaused)) }
func (ot *outTrack) MarkDelete()          { ot.state.Store(int32(trackStateDelete)) }

// relay pumps RTP from one producer's remote track to every subscribed
// out track.
type relay struct {
	src *webrtc.TrackRemote

	mu   sync.RWMutex
	outs map[string]*outTrack
}

func newRelay(src *webrtc.TrackRemote) *relay {
	return &relay{src: src, outs: make(map[string]*outTrack)}
}

func (r *relay) addOutTrack(key string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[key] = ot
}

func (r *relay) removeOutTrack(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outs, key)
}

// loop reads RTP packets from the source track and forwards them until the
// producer is closed or the read side fails.
func (r *relay) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "engine.relay").Msg("relay read ended")
			return
		}
		r.forward(pkt)
	}
}

func (r *relay) forward(pkt *rtp.Packet) {
	r.mu.RLock()
	snapshot := make(map[string]*outTrack, len(r.outs))
	maps.Copy(snapshot, r.outs)
	r.mu.RUnlock()

	var dirty []string
	for key, ot := range snapshot {
		switch ot.getState() {
		case trackStateDelete:
			dirty = append(dirty, key)
		case trackStatePaused:
		case trackStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "engine.relay").Msg("relay write failed, dropping leg")
				ot.MarkDelete()
				dirty = append(dirty, key)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, key := range dirty {
			delete(r.outs, key)
		}
		r.mu.Unlock()
	}
}
