package core

import (
	"context"
	"encoding/json"

	"github.com/openrelay/signaling/internal/domain"
)

// TransportParams are the connection parameters a client needs to establish
// the network path for a freshly created transport. The contents are opaque
// to the registry; they travel verbatim to the client.
type TransportParams struct {
	ICEParameters  any `json:"iceParameters"`
	ICECandidates  any `json:"iceCandidates"`
	DTLSParameters any `json:"dtlsParameters"`
}

// ConnectParams carry the client's half of the handshake on connectTransport.
// DTLS is decoded by the engine; ICE is optional and only meaningful to
// engines that negotiate ICE per transport.
type ConnectParams struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
}

// MediaEngine is the facade over the external media process. The registry
// only ever calls these primitives and never inspects what is behind them.
type MediaEngine interface {
	// CreateTransport allocates a transport and returns its handle together
	// with the connection parameters for the client.
	CreateTransport(ctx context.Context) (TransportHandle, TransportParams, error)

	// RouterRTPCapabilities returns the routing domain's negotiated
	// capabilities as an opaque JSON document.
	RouterRTPCapabilities() json.RawMessage

	// Done is closed when the engine process dies. Engine death is fatal
	// for the whole server; all in-flight sessions become invalid.
	Done() <-chan struct{}

	Close() error
}

// TransportHandle is exclusively owned by the registry. The registry calls
// Close at most once per handle, but the engine must tolerate a close racing
// an in-flight operation on the same handle.
type TransportHandle interface {
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, kind domain.Kind, rtpParameters json.RawMessage) (ProducerHandle, error)
	Consume(ctx context.Context, producer ProducerHandle) (ConsumerHandle, error)
	SetMaxIncomingBitrate(bps int) error
	Close() error
}

type ProducerHandle interface {
	Kind() domain.Kind
	RTPParameters() json.RawMessage
	Close() error
}

// ConsumerHandle starts paused; the client resumes it once its receive path
// is ready.
type ConsumerHandle interface {
	Kind() domain.Kind
	RTPParameters() json.RawMessage
	Resume() error
	Close() error
}
