package signal

import (
	"encoding/json"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

// request is one inbound frame. The id correlates exactly one response,
// success or error, back to the caller.
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type response struct {
	ID    uint64 `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type createTransportResult struct {
	TransportID domain.TransportID `json:"transportId"`
	Params      core.TransportParams
}

// MarshalJSON flattens the connection parameters next to the id, matching
// what clients expect from a createTransport answer.
func (r createTransportResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TransportID    domain.TransportID `json:"transportId"`
		ICEParameters  any                `json:"iceParameters"`
		ICECandidates  any                `json:"iceCandidates"`
		DTLSParameters any                `json:"dtlsParameters"`
	}{
		TransportID:    r.TransportID,
		ICEParameters:  r.Params.ICEParameters,
		ICECandidates:  r.Params.ICECandidates,
		DTLSParameters: r.Params.DTLSParameters,
	})
}

type connectTransportPayload struct {
	TransportID    domain.TransportID `json:"transportId"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters"`
	ICEParameters  json.RawMessage    `json:"iceParameters,omitempty"`
}

type producePayload struct {
	TransportID   domain.TransportID `json:"transportId"`
	Kind          string             `json:"kind"`
	RTPParameters json.RawMessage    `json:"rtpParameters"`
}

type produceResult struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type consumePayload struct {
	TransportID domain.TransportID `json:"transportId"`
	ProducerID  domain.ProducerID  `json:"producerId"`
}

type resumeConsumerPayload struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type closeTransportPayload struct {
	TransportID domain.TransportID `json:"transportId"`
}
